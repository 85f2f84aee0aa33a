package group

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
	"gorm.io/gorm"
)

type TaskParams struct {
	fx.In

	DB       *gorm.DB
	Programs program.Repository
	Notifier *notification.Notifier
}

type Task struct {
	db       *gorm.DB
	programs program.Repository
	notifier *notification.Notifier
}

func NewTask(p TaskParams) *Task {
	return &Task{db: p.DB, programs: p.Programs, notifier: p.Notifier}
}

func (t *Task) Register(mux *asynq.ServeMux) {
	mux.HandleFunc(taskname.GroupRemapLinks, t.HandleRemapLinksTask)
	mux.HandleFunc(taskname.GroupRemapDiscountCodes, t.HandleRemapDiscountCodesTask)
	mux.HandleFunc(taskname.GroupNotifyPartners, t.HandleNotifyPartnersTask)
}

func (t *Task) decode(ctx context.Context, at *asynq.Task) (MovedPayload, *program.PartnerGroup, error) {
	var p MovedPayload
	if err := task.Decode(at, &p); err != nil {
		return p, nil, err
	}
	g, err := t.programs.GetGroup(ctx, p.ProgramID, p.GroupID)
	if errutil.Is(err, errutil.StatusNotFound) {
		return p, nil, fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}
	return p, g, err
}

// HandleRemapLinksTask points the moved partners' links at their new group.
func (t *Task) HandleRemapLinksTask(ctx context.Context, at *asynq.Task) error {
	p, g, err := t.decode(ctx, at)
	if err != nil {
		return err
	}

	res := t.db.WithContext(ctx).
		Model(&Link{}).
		Where("program_id = ? AND partner_id IN ?", p.ProgramID, p.PartnerIDs).
		Update("partner_group_id", g.ID)
	if res.Error != nil {
		return fmt.Errorf("remap links: %w", res.Error)
	}

	zap.L().Info("remapped partner links",
		zap.String("task_type", at.Type()),
		zap.String("group_id", g.ID),
		zap.Int64("links", res.RowsAffected))
	return nil
}

// HandleRemapDiscountCodesTask moves discount codes to the group's discount.
// Codes are removed when the group offers no discount.
func (t *Task) HandleRemapDiscountCodesTask(ctx context.Context, at *asynq.Task) error {
	p, g, err := t.decode(ctx, at)
	if err != nil {
		return err
	}

	scope := t.db.WithContext(ctx).
		Where("program_id = ? AND partner_id IN ?", p.ProgramID, p.PartnerIDs)

	var res *gorm.DB
	if g.DiscountID == nil {
		res = scope.Delete(&DiscountCode{})
	} else {
		res = scope.Model(&DiscountCode{}).
			Where("discount_id <> ?", *g.DiscountID).
			Update("discount_id", *g.DiscountID)
	}
	if res.Error != nil {
		return fmt.Errorf("remap discount codes: %w", res.Error)
	}

	zap.L().Info("remapped discount codes",
		zap.String("task_type", at.Type()),
		zap.String("group_id", g.ID),
		zap.Int64("codes", res.RowsAffected))
	return nil
}

func (t *Task) HandleNotifyPartnersTask(ctx context.Context, at *asynq.Task) error {
	p, g, err := t.decode(ctx, at)
	if err != nil {
		return err
	}
	prog, err := t.programs.GetProgram(ctx, p.ProgramID)
	if err != nil {
		return err
	}
	partners, err := t.programs.GetPartners(ctx, p.PartnerIDs)
	if err != nil {
		return err
	}

	emails := make([]mailer.Email, 0, len(partners))
	for _, id := range p.PartnerIDs {
		partner, ok := partners[id]
		if !ok || partner.Email == "" {
			continue
		}
		emails = append(emails, mailer.Email{
			To:      partner.Email,
			Subject: "Your partner group has changed",
			Text: notification.Render("Hi {{partner.name}}, you are now in the {{group.name}} group of {{program.name}}.", notification.Vars{
				"partner.name": partner.Name,
				"group.name":   g.Name,
				"program.name": prog.Name,
			}),
			ReplyTo: prog.SupportEmail,
		})
	}
	if len(emails) == 0 {
		return nil
	}

	_, err = t.notifier.Send(ctx, "group_changed", emails)
	return err
}
