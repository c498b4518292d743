package clix

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/pflag"

	"coralnet/internal/models"
	"coralnet/internal/store"
)

type PaginationParams struct {
	Limit  int
	Offset int
}

func ParsePagination(flags *pflag.FlagSet) (PaginationParams, error) {
	limit, _ := flags.GetInt("limit")
	offset, _ := flags.GetInt("offset")
	if limit <= 0 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}
	return PaginationParams{Limit: limit, Offset: offset}, nil
}

// ParseJobFilter reads the --status, --name and --source flags plus
// pagination. Flags that are not defined are ignored.
func ParseJobFilter(flags *pflag.FlagSet) (store.JobFilter, error) {
	pagination, err := ParsePagination(flags)
	if err != nil {
		return store.JobFilter{}, err
	}
	filter := store.JobFilter{Limit: pagination.Limit, Offset: pagination.Offset}

	if status, _ := flags.GetString("status"); status != "" {
		s, err := models.ParseJobStatus(strings.TrimSpace(status))
		if err != nil {
			return store.JobFilter{}, err
		}
		filter.Status = s
	}
	if name, _ := flags.GetString("name"); name != "" {
		filter.JobName = strings.TrimSpace(name)
	}
	if source, _ := flags.GetInt64("source"); source > 0 {
		filter.SourceID = &source
	}
	return filter, nil
}

// ParseJobArgs turns command-line words into job args: integers become
// int64, everything else stays a string. Quote a number to keep it a
// string, e.g. '"42"'.
func ParseJobArgs(words []string) ([]any, error) {
	args := make([]any, 0, len(words))
	for _, w := range words {
		if n, err := strconv.ParseInt(w, 10, 64); err == nil {
			args = append(args, n)
			continue
		}
		if strings.HasPrefix(w, `"`) {
			s, err := strconv.Unquote(w)
			if err != nil {
				return nil, fmt.Errorf("invalid quoted arg %s: %w", w, err)
			}
			args = append(args, s)
			continue
		}
		args = append(args, w)
	}
	return args, nil
}
