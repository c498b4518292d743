package incident_test

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"coralnet/internal/incident"
	"coralnet/internal/jobs"
	"coralnet/internal/store/primary"
)

type mail struct{ subject, body string }

type fakeMailer struct {
	mails []mail
	err   error
}

func (f *fakeMailer) MailAdmins(_ context.Context, subject, body string) error {
	f.mails = append(f.mails, mail{subject, body})
	return f.err
}

func newStore(t *testing.T) *primary.StoreImpl {
	t.Helper()
	ctx := context.Background()
	s, err := primary.NewSQLiteStore(ctx, filepath.Join(t.TempDir(), "incident.db"))
	require.NoError(t, err)
	t.Cleanup(s.Close)
	require.NoError(t, s.Migrate(ctx))
	return s
}

func TestReportJobError(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	mailer := &fakeMailer{}
	r := incident.NewReporter(mailer, s, 100)

	require.NoError(t, r.ReportJobError(ctx, jobs.Incident{
		JobName: "check_source",
		Kind:    "KeyError",
		Message: "'points'",
		Stack:   "goroutine 1 <running>:\nmain.go:10",
	}))

	require.Len(t, mailer.mails, 1)
	assert.Equal(t, "Error in job: check_source", mailer.mails[0].subject)
	assert.True(t, strings.HasPrefix(mailer.mails[0].body, "KeyError: 'points'"))

	logs, err := s.ListErrorLogs(ctx, 10)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, "KeyError", logs[0].Kind)
	assert.Equal(t, "Task - check_source", logs[0].Path)
	assert.Equal(t, "'points'", logs[0].Info)
	assert.Equal(t, "<pre>goroutine 1 &lt;running&gt;:\nmain.go:10</pre>", logs[0].HTML)
}

func TestReportSpacerError_Truncates(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	mailer := &fakeMailer{}
	r := incident.NewReporter(mailer, s, 10)

	require.NoError(t, r.ReportSpacerError(ctx, incident.SpacerFailure{
		JobName:   "extract_features",
		Class:     "spacer.exceptions.SpacerInputError",
		Info:      "bad input",
		Traceback: "Traceback\nspacer.exceptions.SpacerInputError: bad input",
		Repr:      strings.Repeat("x", 25),
	}))

	require.Len(t, mailer.mails, 1)
	assert.Equal(t, "Spacer job failed: extract_features", mailer.mails[0].subject)
	assert.Equal(t, strings.Repeat("x", 10)+" ...(truncated)", mailer.mails[0].body)

	logs, err := s.ListErrorLogs(ctx, 10)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, "SpacerInputError", logs[0].Kind)
	assert.Equal(t, "Spacer - extract_features", logs[0].Path)
	assert.Equal(t, "bad input", logs[0].Info)
	assert.Equal(t, mailer.mails[0].body, logs[0].Data)
}

func TestReport_MailFailureStillSavesLog(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	r := incident.NewReporter(&fakeMailer{err: errors.New("smtp down")}, s, 0)

	err := r.ReportJobError(ctx, jobs.Incident{JobName: "x", Kind: "error", Message: "m"})
	assert.ErrorContains(t, err, "smtp down")

	logs, err := s.ListErrorLogs(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, logs, 1)
}
