package apihandlers

import (
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"coralnet/internal/jobs"
	"coralnet/internal/models"
	"coralnet/internal/store"
)

func parseJobFilter(c *gin.Context) (store.JobFilter, error) {
	var filter store.JobFilter
	var err error
	if filter.Limit, err = intQuery(c, "limit", 20); err != nil {
		return filter, err
	}
	if filter.Offset, err = intQuery(c, "offset", 0); err != nil {
		return filter, err
	}
	if v := c.Query("status"); v != "" {
		if filter.Status, err = models.ParseJobStatus(v); err != nil {
			return filter, err
		}
	}
	filter.JobName = c.Query("job_name")
	if v := c.Query("source_id"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return filter, fmt.Errorf("invalid source_id %q", v)
		}
		filter.SourceID = &id
	}
	return filter, nil
}

func intQuery(c *gin.Context, key string, def int) (int, error) {
	v := c.Query(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid %s %q", key, v)
	}
	return n, nil
}

func secondsToDuration(s int) time.Duration {
	return time.Duration(s) * time.Second
}

// jobArgs converts decoded JSON args to job args. Whole numbers become
// int64; fractions, booleans and nested values are rejected.
func jobArgs(raw []any) ([]any, error) {
	args := make([]any, len(raw))
	for i, v := range raw {
		if f, ok := v.(float64); ok {
			if f != math.Trunc(f) || math.Abs(f) > 1<<53 {
				return nil, fmt.Errorf("arg %d: %v is not an integer", i, f)
			}
			args[i] = int64(f)
			continue
		}
		args[i] = v
	}
	return jobs.NormalizeArgs(args)
}
