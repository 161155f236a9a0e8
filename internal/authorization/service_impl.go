package authorization

import (
	"context"
	_ "embed"
	"errors"
	"strings"

	"github.com/casbin/casbin/v2"
	"github.com/casbin/casbin/v2/model"
	gormadapter "github.com/casbin/gorm-adapter/v3"
	ledgerdomain "github.com/smallbiznis/sessionbill/internal/ledger/domain"
	"github.com/smallbiznis/sessionbill/internal/observability/logger"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

//go:embed model.conf
var modelText string

var Module = fx.Module("authorization",
	fx.Provide(NewEnforcer),
	fx.Provide(NewService),
)

type Params struct {
	fx.In

	Log      *zap.Logger
	Enforcer *casbin.SyncedEnforcer
	Ledger   ledgerdomain.Store
}

type ServiceImpl struct {
	log      *zap.Logger
	enforcer *casbin.SyncedEnforcer
	ledger   ledgerdomain.Store
}

// NewEnforcer loads policies from the casbin_rule table and seeds the defaults.
func NewEnforcer(db *gorm.DB) (*casbin.SyncedEnforcer, error) {
	adapter, err := gormadapter.NewAdapterByDB(db)
	if err != nil {
		return nil, err
	}
	m, err := model.NewModelFromString(modelText)
	if err != nil {
		return nil, err
	}
	enforcer, err := casbin.NewSyncedEnforcer(m, adapter)
	if err != nil {
		return nil, err
	}
	enforcer.EnableAutoSave(true)
	enforcer.EnableAutoBuildRoleLinks(true)
	if err := enforcer.LoadPolicy(); err != nil {
		return nil, err
	}
	if err := seedPolicies(enforcer); err != nil {
		return nil, err
	}
	if _, err := enforcer.AddGroupingPolicy(ActorSystem, RoleSystem); err != nil {
		return nil, err
	}
	return enforcer, nil
}

func NewService(p Params) Service {
	return &ServiceImpl{
		log:      p.Log.Named("authorization.service"),
		enforcer: p.Enforcer,
		ledger:   p.Ledger,
	}
}

func (s *ServiceImpl) Authorize(ctx context.Context, actor string, object string, action string) error {
	actor = strings.TrimSpace(actor)
	if actor == "" {
		return ErrInvalidActor
	}
	object = strings.TrimSpace(object)
	if object == "" {
		return ErrInvalidObject
	}
	action = strings.TrimSpace(action)
	if action == "" {
		return ErrInvalidAction
	}

	subject, err := s.resolveSubject(ctx, actor)
	if err != nil {
		return err
	}

	allowed, err := s.enforcer.Enforce(subject, object, action)
	if err != nil {
		return err
	}
	if !allowed {
		logger.WithContext(ctx, s.log).Warn("authorization denied",
			zap.String("subject", subject),
			zap.String("object", object),
			zap.String("action", action),
		)
		return ErrForbidden
	}
	return nil
}

// resolveSubject maps an account to a casbin subject whose role follows the account's user class.
func (s *ServiceImpl) resolveSubject(ctx context.Context, actor string) (string, error) {
	if actor == ActorSystem {
		return ActorSystem, nil
	}

	account, err := s.ledger.GetAccount(ctx, actor)
	if errors.Is(err, ledgerdomain.ErrNotFound) {
		return "", ErrInvalidActor
	}
	if err != nil {
		return "", err
	}
	if !account.Active() {
		return "", ErrForbidden
	}

	role := RoleMember
	if account.UserClass == ledgerdomain.UserClassAdmin {
		role = RoleAdmin
	}
	subject := "account:" + account.ID
	if err := s.ensureGrouping(subject, role); err != nil {
		return "", err
	}
	return subject, nil
}

// ensureGrouping keeps exactly one role link per subject.
func (s *ServiceImpl) ensureGrouping(subject string, roleName string) error {
	existing, err := s.enforcer.GetFilteredGroupingPolicy(0, subject)
	if err != nil {
		return err
	}
	for _, rule := range existing {
		if len(rule) < 2 || rule[1] == roleName {
			continue
		}
		if _, err := s.enforcer.RemoveGroupingPolicy(rule[0], rule[1]); err != nil {
			return err
		}
	}

	has, err := s.enforcer.HasGroupingPolicy(subject, roleName)
	if err != nil {
		return err
	}
	if has {
		return nil
	}
	_, err = s.enforcer.AddGroupingPolicy(subject, roleName)
	return err
}

func seedPolicies(enforcer *casbin.SyncedEnforcer) error {
	policies := [][]string{
		{RoleSystem, ObjectAdjustment, ActionWrite},
		{RoleSystem, ObjectLedger, ActionVerify},

		{RoleAdmin, ObjectAdjustment, ActionWrite},
		{RoleAdmin, ObjectAccount, ActionRead},
		{RoleAdmin, ObjectAccount, ActionWrite},
		{RoleAdmin, ObjectAccount, ActionDeactivate},
		{RoleAdmin, ObjectLedger, ActionVerify},
	}
	for _, policy := range policies {
		if _, err := enforcer.AddPolicy(policy[0], policy[1], policy[2]); err != nil {
			return err
		}
	}
	return nil
}
