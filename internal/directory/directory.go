// Package directory answers identity-directory queries through the
// script bridge: principal search for catalog assignment and email
// lookup for notifications.
package directory

import (
	"context"
	"sort"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"vd-catalogd.io/catalogd/internal/bridge"
	"vd-catalogd.io/catalogd/internal/identity"
	"vd-catalogd.io/catalogd/internal/pkg/logger"
)

// Result caps. Searches run against whole domains; unbounded result
// sets are useless for assignment pickers.
const (
	maxGroups = 20
	maxUsers  = 100
)

// Principal is one directory account usable for catalog assignment.
type Principal struct {
	// AccountName is domain-qualified: DOMAIN\name.
	AccountName string
	// DisplayName carries the "(group)" marker for groups.
	DisplayName string
	IsGroup     bool
}

// Service searches the directory under the caller's identity.
type Service struct {
	inv bridge.Invoker
}

// NewService builds a directory service.
func NewService(inv bridge.Invoker) *Service {
	return &Service{inv: inv}
}

// Search finds users and groups matching pattern in the caller's
// domain. Groups come first, each list sorted by name, built-in
// operational principals removed.
func (s *Service) Search(ctx context.Context, id identity.Context, pattern string) ([]Principal, error) {
	inv := bridge.Invocation{
		Script:        bridge.ScriptGetDirectoryUsers,
		CorrelationID: uuid.NewString(),
	}.WithParam("searchPattern", pattern)

	records, err := s.inv.Invoke(ctx, id, inv)
	if err != nil {
		return nil, err
	}

	var users, groups []Principal
	for _, rec := range records {
		account, ok := rec.String("SamAccountName")
		if !ok || account == "" {
			continue
		}
		if _, skip := builtinPrincipals[account]; skip {
			continue
		}
		kind, _ := rec.String("Kind")
		qualified := id.Domain + `\` + account
		if strings.EqualFold(kind, "group") {
			if len(groups) < maxGroups {
				groups = append(groups, Principal{
					AccountName: qualified,
					DisplayName: qualified + "(group)",
					IsGroup:     true,
				})
			}
			continue
		}
		if len(users) < maxUsers {
			users = append(users, Principal{
				AccountName: qualified,
				DisplayName: qualified,
			})
		}
	}

	byName := func(list []Principal) func(i, j int) bool {
		return func(i, j int) bool { return list[i].AccountName < list[j].AccountName }
	}
	sort.Slice(groups, byName(groups))
	sort.Slice(users, byName(users))

	logger.Debug("directory search",
		zap.String("pattern", pattern),
		zap.Int("users", len(users)),
		zap.Int("groups", len(groups)))

	return append(groups, users...), nil
}

// LookupEmail resolves the mail attribute of a user or group. Returns
// an empty string when the principal has no mail attribute.
func (s *Service) LookupEmail(ctx context.Context, id identity.Context, qualifiedName string) (string, error) {
	account := qualifiedName
	if i := strings.LastIndex(account, `\`); i >= 0 {
		account = account[i+1:]
	}

	inv := bridge.Invocation{
		Script:        bridge.ScriptGetDirectoryEmail,
		CorrelationID: uuid.NewString(),
	}.WithParam("samAccountName", account)

	records, err := s.inv.Invoke(ctx, id, inv)
	if err != nil {
		return "", err
	}
	for _, rec := range records {
		if email, ok := rec.String("Mail"); ok && email != "" {
			return email, nil
		}
	}
	logger.Info("no email for principal", zap.String("principal", qualifiedName))
	return "", nil
}
