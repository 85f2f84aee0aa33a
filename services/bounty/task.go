package bounty

import (
	"context"
	"fmt"

	"partners-controlplane/pkg/errutil"
	"partners-controlplane/pkg/mailer"
	"partners-controlplane/pkg/task"
	"partners-controlplane/pkg/taskname"
	"partners-controlplane/services/notification"
	"partners-controlplane/services/program"

	"github.com/hibiken/asynq"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// SeedPayload is the body of the bounty:seed:submissions task.
type SeedPayload struct {
	ProgramID  string   `json:"program_id"`
	GroupID    string   `json:"group_id"`
	PartnerIDs []string `json:"partner_ids"`
}

type TaskParams struct {
	fx.In

	Service  *Service
	Programs program.Repository
	Notifier *notification.Notifier
}

type Task struct {
	svc      *Service
	programs program.Repository
	notifier *notification.Notifier
}

func NewTask(p TaskParams) *Task {
	return &Task{svc: p.Service, programs: p.Programs, notifier: p.Notifier}
}

// Register binds the bounty task handlers to mux.
func (t *Task) Register(mux *asynq.ServeMux) {
	mux.HandleFunc(taskname.BountyNotifyPartner, t.HandleNotifyPartnerTask)
	mux.HandleFunc(taskname.BountyNotifyOwners, t.HandleNotifyOwnersTask)
	mux.HandleFunc(taskname.BountySeedSubmissions, t.HandleSeedSubmissionsTask)
}

// skipMissing drops retries for payloads that reference deleted rows.
func skipMissing(err error) error {
	if errutil.Is(err, errutil.StatusNotFound) {
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}
	return err
}

func (t *Task) loadNotifyContext(ctx context.Context, p NotifyPayload) (*Bounty, *program.Program, error) {
	b, err := t.svc.repo.GetBounty(ctx, p.ProgramID, p.BountyID)
	if err != nil {
		return nil, nil, skipMissing(err)
	}
	prog, err := t.programs.GetProgram(ctx, p.ProgramID)
	if err != nil {
		return nil, nil, skipMissing(err)
	}
	return b, prog, nil
}

func (t *Task) HandleNotifyPartnerTask(ctx context.Context, at *asynq.Task) error {
	var p NotifyPayload
	if err := task.Decode(at, &p); err != nil {
		return err
	}

	b, prog, err := t.loadNotifyContext(ctx, p)
	if err != nil {
		return err
	}
	partner, err := t.programs.GetPartner(ctx, p.PartnerID)
	if err != nil {
		return skipMissing(err)
	}
	if partner.Email == "" {
		zap.L().Debug("partner has no email, skipping bounty notification", zap.String("partner_id", partner.ID))
		return nil
	}

	vars := notification.Vars{
		"partner.name": partner.Name,
		"program.name": prog.Name,
		"bounty.name":  b.Name,
	}
	subject, body := "Bounty completed", "Hi {{partner.name}}, you completed the {{bounty.name}} bounty in {{program.name}}. Your reward is on its way."
	if p.Status == StatusSubmitted {
		subject, body = "Bounty submission received", "Hi {{partner.name}}, your submission for {{bounty.name}} in {{program.name}} is waiting for review."
	}

	_, err = t.notifier.Send(ctx, "bounty_partner", []mailer.Email{{
		To:      partner.Email,
		Subject: subject,
		Text:    notification.Render(body, vars),
		ReplyTo: prog.SupportEmail,
	}})
	return err
}

func (t *Task) HandleNotifyOwnersTask(ctx context.Context, at *asynq.Task) error {
	var p NotifyPayload
	if err := task.Decode(at, &p); err != nil {
		return err
	}

	b, prog, err := t.loadNotifyContext(ctx, p)
	if err != nil {
		return err
	}
	owners, err := t.programs.ListOwnersToNotify(ctx, p.ProgramID)
	if err != nil {
		return err
	}
	if len(owners) == 0 {
		return nil
	}
	partner, err := t.programs.GetPartner(ctx, p.PartnerID)
	if err != nil {
		return skipMissing(err)
	}

	text := notification.Render("{{partner.name}} has a new {{bounty.name}} submission in {{program.name}}.", notification.Vars{
		"partner.name": partner.Name,
		"program.name": prog.Name,
		"bounty.name":  b.Name,
	})
	emails := make([]mailer.Email, 0, len(owners))
	for _, o := range owners {
		emails = append(emails, mailer.Email{To: o.Email, Subject: "New bounty submission", Text: text})
	}

	_, err = t.notifier.Send(ctx, "bounty_owners", emails)
	return err
}

func (t *Task) HandleSeedSubmissionsTask(ctx context.Context, at *asynq.Task) error {
	var p SeedPayload
	if err := task.Decode(at, &p); err != nil {
		return err
	}
	_, err := t.svc.SeedDraftSubmissions(ctx, p.ProgramID, p.GroupID, p.PartnerIDs)
	return err
}
