package notify

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/textproto"
	"strings"
	"sync/atomic"
	"text/template"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/errgroup"

	"github.com/GoCodeAlone/taskboard/comms"
	"github.com/GoCodeAlone/taskboard/config"
	"github.com/GoCodeAlone/taskboard/identity"
	"github.com/GoCodeAlone/taskboard/internal/metrics"
	"github.com/GoCodeAlone/taskboard/task"
)

// SubscriberID is the bus subscription name of the Mailer.
const SubscriberID = "mailer"

const (
	defaultMaxElapsed  = 2 * time.Minute
	defaultConcurrency = 4
)

var (
	subjectTmpl = template.Must(template.New("subject").Parse(
		`Task submitted for review: {{.TaskName}}`))

	bodyTmpl = template.Must(template.New("body").Parse(`Dear {{.Recipient}},

The task "{{.TaskName}}" ({{.TaskID}}) in application {{.App}} has been marked as done by {{.Actor}}. Please review the task.
{{- if .BaseURL}}

Log in at {{.BaseURL}} to review it.
{{- end}}

Best regards,
taskboard
`))
)

// Directory resolves the members of a group.
type Directory interface {
	Members(ctx context.Context, group string) ([]*identity.User, error)
}

// Mail is a single rendered message to one recipient.
type Mail struct {
	To      string
	Subject string
	Body    string
}

// Sender delivers a Mail.
type Sender interface {
	Send(ctx context.Context, m Mail) error
}

type mailData struct {
	task.Notice
	Recipient string
	BaseURL   string
}

// Mailer mails every member of the reviewing group when a review is
// requested. Delivery is best effort: failures are retried, logged and
// counted, and never reach the task engine.
type Mailer struct {
	dir     Directory
	sender  Sender
	baseURL string
	metrics *metrics.Metrics
	logger  *slog.Logger

	maxElapsed      time.Duration
	initialInterval time.Duration
	concurrency     int
}

// NewMailer creates a Mailer resolving recipients through dir.
func NewMailer(dir Directory, sender Sender, cfg config.NotifyConfig, logger *slog.Logger) *Mailer {
	if logger == nil {
		logger = slog.Default()
	}
	maxElapsed := cfg.MaxElapsed
	if maxElapsed <= 0 {
		maxElapsed = defaultMaxElapsed
	}
	return &Mailer{
		dir:             dir,
		sender:          sender,
		baseURL:         cfg.BaseURL,
		logger:          logger,
		maxElapsed:      maxElapsed,
		initialInterval: backoff.DefaultInitialInterval,
		concurrency:     defaultConcurrency,
	}
}

// SetMetrics attaches delivery counters.
func (m *Mailer) SetMetrics(mm *metrics.Metrics) { m.metrics = mm }

// Subscribe attaches the Mailer to bus.
func (m *Mailer) Subscribe(bus comms.Bus) (unsubscribe func()) {
	return bus.Subscribe(SubscriberID, m.Handle)
}

// Handle is a comms.Handler. Messages other than review requests are
// ignored.
func (m *Mailer) Handle(ctx context.Context, msg *comms.Message) error {
	n, ok := NoticeFrom(msg)
	if !ok {
		return nil
	}
	return m.Deliver(ctx, n)
}

// Deliver mails the review group of n, or the group that authorized the
// submission when the application names no reviewers.
func (m *Mailer) Deliver(ctx context.Context, n task.Notice) error {
	group := n.ReviewGroup
	if group == "" {
		group = n.Group
	}
	if group == "" {
		m.logger.Warn("review requested without a group", slog.String("task", n.TaskID))
		return nil
	}

	members, err := m.dir.Members(ctx, group)
	if err != nil {
		m.metrics.Notification("failed")
		return fmt.Errorf("resolve reviewers of %s: %w", n.TaskID, err)
	}

	var recipients []*identity.User
	for _, u := range members {
		if u.Username == identity.Placeholder || u.Disabled || u.Email == "" {
			m.metrics.Notification("skipped")
			continue
		}
		recipients = append(recipients, u)
	}
	if len(recipients) == 0 {
		m.logger.Info("no reviewers to notify",
			slog.String("task", n.TaskID),
			slog.String("group", group),
		)
		return nil
	}

	var g errgroup.Group
	g.SetLimit(m.concurrency)
	var failed atomic.Int32
	for _, u := range recipients {
		g.Go(func() error {
			mail, err := m.render(n, u)
			if err == nil {
				err = m.send(ctx, mail)
			}
			if err != nil {
				failed.Add(1)
				m.metrics.Notification("failed")
				m.logger.Warn("review mail failed",
					slog.String("task", n.TaskID),
					slog.String("to", u.Username),
					slog.Any("err", err),
				)
				return err
			}
			m.metrics.Notification("sent")
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("notify %d of %d reviewers of %s: %w", failed.Load(), len(recipients), n.TaskID, err)
	}
	m.logger.Info("reviewers notified",
		slog.String("task", n.TaskID),
		slog.String("group", group),
		slog.Int("recipients", len(recipients)),
	)
	return nil
}

func (m *Mailer) render(n task.Notice, u *identity.User) (Mail, error) {
	data := mailData{Notice: n, Recipient: u.Username, BaseURL: m.baseURL}
	var subject, body bytes.Buffer
	if err := subjectTmpl.Execute(&subject, data); err != nil {
		return Mail{}, fmt.Errorf("render subject: %w", err)
	}
	if err := bodyTmpl.Execute(&body, data); err != nil {
		return Mail{}, fmt.Errorf("render body: %w", err)
	}
	return Mail{To: u.Email, Subject: singleLine(subject.String()), Body: body.String()}, nil
}

// singleLine turns control characters into spaces so s can sit in a mail
// header without starting a new one.
func singleLine(s string) string {
	return strings.Map(func(r rune) rune {
		if r < ' ' || r == 0x7f {
			return ' '
		}
		return r
	}, s)
}

// send retries transient failures with exponential backoff until the
// retry budget or ctx runs out.
func (m *Mailer) send(ctx context.Context, mail Mail) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = m.initialInterval
	bo.MaxElapsedTime = m.maxElapsed
	return backoff.Retry(func() error {
		err := m.sender.Send(ctx, mail)
		if err != nil && isPermanent(err) {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithContext(bo, ctx))
}

// ErrRejected marks a mail the server refused outright.
var ErrRejected = errors.New("mail rejected")

// isPermanent reports whether retrying err cannot succeed: explicit
// rejections and SMTP 5xx replies.
func isPermanent(err error) bool {
	if errors.Is(err, ErrRejected) {
		return true
	}
	var te *textproto.Error
	return errors.As(err, &te) && te.Code >= 500
}
