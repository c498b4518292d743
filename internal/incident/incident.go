// Package incident reports unexpected failures to operators: an email to
// the admins plus an ErrorLog row.
package incident

import (
	"context"
	"errors"
	"fmt"
	"html"

	log "github.com/sirupsen/logrus"

	"coralnet/internal/jobs"
	"coralnet/internal/models"
	"coralnet/internal/notify"
	"coralnet/internal/spacer"
	"coralnet/internal/store"
)

const truncatedSuffix = " ...(truncated)"

// Reporter implements jobs.IncidentReporter.
type Reporter struct {
	mailer    notify.Mailer
	logs      store.ErrorLogStore
	sizeLimit int
}

// NewReporter returns a Reporter. sizeLimit bounds the mailed data of
// spacer failures; zero means no limit.
func NewReporter(mailer notify.Mailer, logs store.ErrorLogStore, sizeLimit int) *Reporter {
	return &Reporter{mailer: mailer, logs: logs, sizeLimit: sizeLimit}
}

// ReportJobError reports a task function that failed unexpectedly.
func (r *Reporter) ReportJobError(ctx context.Context, inc jobs.Incident) error {
	subject := fmt.Sprintf("Error in job: %s", inc.JobName)
	body := fmt.Sprintf("%s: %s\n\n%s", inc.Kind, inc.Message, inc.Stack)
	return r.report(ctx, subject, body, &models.ErrorLog{
		Kind: inc.Kind,
		HTML: preformatted(inc.Stack),
		Path: "Task - " + inc.JobName,
		Info: inc.Message,
		Data: inc.Stack,
	})
}

// SpacerFailure is a remote job failure that needs operator attention.
type SpacerFailure struct {
	JobName   string
	Class     string
	Info      string
	Traceback string
	// Repr is the full return message as text.
	Repr string
}

// ReportSpacerError reports a remote executor failure of a priority class.
func (r *Reporter) ReportSpacerError(ctx context.Context, f SpacerFailure) error {
	repr := r.truncate(f.Repr)
	return r.report(ctx, fmt.Sprintf("Spacer job failed: %s", f.JobName), repr, &models.ErrorLog{
		Kind: spacer.ShortClass(f.Class),
		HTML: preformatted(f.Traceback),
		Path: "Spacer - " + f.JobName,
		Info: f.Info,
		Data: repr,
	})
}

func (r *Reporter) report(ctx context.Context, subject, body string, entry *models.ErrorLog) error {
	var errs []error
	if r.mailer != nil {
		if err := r.mailer.MailAdmins(ctx, subject, body); err != nil {
			errs = append(errs, fmt.Errorf("mail admins: %w", err))
		}
	}
	if r.logs != nil {
		if err := r.logs.CreateErrorLog(ctx, entry); err != nil {
			errs = append(errs, fmt.Errorf("save error log: %w", err))
		}
	}
	err := errors.Join(errs...)
	if err != nil {
		log.Errorf("Incident %q not fully reported: %v", subject, err)
	}
	return err
}

func (r *Reporter) truncate(s string) string {
	if r.sizeLimit <= 0 || len(s) <= r.sizeLimit {
		return s
	}
	return s[:r.sizeLimit] + truncatedSuffix
}

func preformatted(text string) string {
	return "<pre>" + html.EscapeString(text) + "</pre>"
}
