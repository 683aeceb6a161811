package common

import (
	"context"

	"github.com/larkspur-mail/caldav-scheduler/internal/auth"
	"github.com/larkspur-mail/caldav-scheduler/internal/directory"
)

func MustPrincipal(ctx context.Context) *auth.Principal {
	pr, _ := auth.PrincipalFrom(ctx)
	return pr
}

func CurrentUser(ctx context.Context) (*directory.User, *auth.Principal) {
	pr, ok := auth.PrincipalFrom(ctx)
	if !ok || pr == nil {
		return nil, nil
	}
	return &directory.User{UID: pr.UserID, DN: pr.UserDN, DisplayName: pr.Display}, pr
}
