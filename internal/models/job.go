package models

import (
	"fmt"
	"time"
)

// Job mirrors the jobs table. At most one incomplete row may exist per
// (JobName, ArgIdentifier).
type Job struct {
	ID                 int64      `db:"id" json:"id"`
	JobName            string     `db:"job_name" json:"job_name"`
	ArgIdentifier      string     `db:"arg_identifier" json:"arg_identifier"`
	Status             JobStatus  `db:"status" json:"status"`
	SourceID           *int64     `db:"source_id" json:"source_id,omitempty"`
	UserID             *int64     `db:"user_id" json:"user_id,omitempty"`
	ScheduledStartDate *time.Time `db:"scheduled_start_date" json:"scheduled_start_date,omitempty"`
	StartDate          *time.Time `db:"start_date" json:"start_date,omitempty"`
	AttemptNumber      int        `db:"attempt_number" json:"attempt_number"`
	ResultMessage      string     `db:"result_message" json:"result_message"`
	Persist            bool       `db:"persist" json:"persist"`
	CreateDate         time.Time  `db:"create_date" json:"create_date"`
	ModifyDate         time.Time  `db:"modify_date" json:"modify_date"`
}

func (j *Job) String() string {
	if j.ArgIdentifier == "" {
		return fmt.Sprintf("%s (%d)", j.JobName, j.ID)
	}
	return fmt.Sprintf("%s / %s (%d)", j.JobName, j.ArgIdentifier, j.ID)
}

// Source returns the owning source id, or 0.
func (j *Job) Source() int64 {
	if j.SourceID == nil {
		return 0
	}
	return *j.SourceID
}
