package delivery

import (
	"context"
	"testing"

	"github.com/larkspur-mail/caldav-scheduler/internal/acl"
	"github.com/larkspur-mail/caldav-scheduler/internal/config"
	"github.com/larkspur-mail/caldav-scheduler/internal/directory"
	"github.com/larkspur-mail/caldav-scheduler/internal/scheduling/address"
	"github.com/larkspur-mail/caldav-scheduler/internal/storage"
)

// fakeStore embeds storage.Store (nil) so only the methods exercised by
// a given test need overriding, matching the thin-fake style used
// throughout the planner tests.
type fakeStore struct {
	storage.Store
	calendars map[string][]*storage.Calendar
	objects   map[string]*storage.Object
	inboxes   map[string]*storage.Calendar
	delivered []*storage.SchedulingObject
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		calendars: map[string][]*storage.Calendar{},
		objects:   map[string]*storage.Object{},
		inboxes:   map[string]*storage.Calendar{},
	}
}

func (f *fakeStore) ListCalendarsByOwnerUser(ctx context.Context, uid string) ([]*storage.Calendar, error) {
	return f.calendars[uid], nil
}

func (f *fakeStore) GetObject(ctx context.Context, calendarID, uid string) (*storage.Object, error) {
	obj, ok := f.objects[calendarID+"/"+uid]
	if !ok {
		return nil, errNotFound
	}
	return obj, nil
}

func (f *fakeStore) PutObject(ctx context.Context, obj *storage.Object) error {
	if obj.ID == "" {
		obj.ID = "generated"
	}
	f.objects[obj.CalendarID+"/"+obj.UID] = obj
	return nil
}

func (f *fakeStore) GetSchedulingInbox(ctx context.Context, ownerUserID string) (*storage.Calendar, error) {
	return f.inboxes[ownerUserID], nil
}

func (f *fakeStore) StoreSchedulingObject(ctx context.Context, obj *storage.SchedulingObject) error {
	f.delivered = append(f.delivered, obj)
	return nil
}

type notFoundError struct{}

func (notFoundError) Error() string { return "object not found" }

var errNotFound = notFoundError{}

type fakeDirectory struct {
	users map[string]*directory.User
}

func (d *fakeDirectory) Close() {}
func (d *fakeDirectory) BindUser(ctx context.Context, username, password string) (*directory.User, error) {
	return nil, nil
}
func (d *fakeDirectory) LookupUserByAttr(ctx context.Context, attr, value string) (*directory.User, error) {
	for _, u := range d.users {
		switch attr {
		case "mail":
			if u.Mail == value {
				return u, nil
			}
		case "uid":
			if u.UID == value {
				return u, nil
			}
		}
	}
	return nil, directory.ErrUserNotFound
}
func (d *fakeDirectory) UserGroupsACL(ctx context.Context, user *directory.User) ([]directory.GroupACL, error) {
	return nil, nil
}
func (d *fakeDirectory) IntrospectToken(ctx context.Context, token, url, authHeader string) (bool, string, error) {
	return false, "", nil
}

type allowAllACL struct{}

func (allowAllACL) Effective(ctx context.Context, user *directory.User, calendarID string) (acl.Effective, error) {
	return acl.Effective{
		Read: true, WriteProps: true, WriteContent: true, Bind: true, Unbind: true,
		ScheduleSend: true, ScheduleDeliverInvite: true, ScheduleDeliverReply: true,
	}, nil
}

func (allowAllACL) VisibleCalendars(ctx context.Context, user *directory.User) (map[string]acl.Effective, error) {
	return nil, nil
}

func TestRouterDeliverSelfIsImmediateSuccess(t *testing.T) {
	dir := &fakeDirectory{users: map[string]*directory.User{}}
	store := newFakeStore()
	organizer := &directory.User{UID: "alice", Mail: "alice@example.com"}

	r := &Router{
		Resolver:   address.NewResolver(dir, config.SchedulingConfig{LocalDomains: []string{"example.com"}, ServerName: "node1"}),
		ACL:        allowAllACL{},
		Dir:        dir,
		Store:      store,
		Cfg:        config.SchedulingConfig{LocalDomains: []string{"example.com"}, ServerName: "node1"},
		ActingUser: organizer,
	}

	cal := testEnvelope(t, "REQUEST")
	status, err := r.Deliver(context.Background(), "mailto:alice@example.com", cal, "REQUEST", "", false)
	if err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	if status != StatusSuccess {
		t.Fatalf("expected %q, got %q", StatusSuccess, status)
	}
}

func TestRouterDeliverLocalCreatesObject(t *testing.T) {
	dir := &fakeDirectory{users: map[string]*directory.User{
		"bob@example.com": {UID: "bob", Mail: "bob@example.com"},
	}}
	store := newFakeStore()
	store.calendars["bob"] = []*storage.Calendar{{ID: "cal-bob"}}
	store.inboxes["bob"] = &storage.Calendar{ID: "inbox-bob"}

	organizer := &directory.User{UID: "alice", Mail: "alice@example.com"}
	r := &Router{
		Resolver:   address.NewResolver(dir, config.SchedulingConfig{LocalDomains: []string{"example.com"}, ServerName: "node1"}),
		ACL:        allowAllACL{},
		Dir:        dir,
		Store:      store,
		Cfg:        config.SchedulingConfig{LocalDomains: []string{"example.com"}, ServerName: "node1"},
		ActingUser: organizer,
	}

	cal := testEnvelope(t, "REQUEST")
	status, err := r.Deliver(context.Background(), "mailto:bob@example.com", cal, "REQUEST", "", false)
	if err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	if status != StatusSuccess {
		t.Fatalf("expected %q, got %q", StatusSuccess, status)
	}
	if _, ok := store.objects["cal-bob/evt-1"]; !ok {
		t.Fatalf("expected object to be created in bob's default calendar")
	}
}

func TestRouterDeliverRejectsComponentTypeMismatch(t *testing.T) {
	dir := &fakeDirectory{users: map[string]*directory.User{
		"bob@example.com": {UID: "bob", Mail: "bob@example.com"},
	}}
	store := newFakeStore()
	store.calendars["bob"] = []*storage.Calendar{{ID: "cal-bob"}}
	store.inboxes["bob"] = &storage.Calendar{ID: "inbox-bob"}
	store.objects["cal-bob/evt-1"] = &storage.Object{
		ID:         "existing",
		CalendarID: "cal-bob",
		UID:        "evt-1",
		Component:  "VTODO",
		Data:       "BEGIN:VCALENDAR\r\nBEGIN:VTODO\r\nUID:evt-1\r\nORGANIZER:mailto:organizer@example.com\r\nEND:VTODO\r\nEND:VCALENDAR\r\n",
	}

	organizer := &directory.User{UID: "alice", Mail: "alice@example.com"}
	r := &Router{
		Resolver:   address.NewResolver(dir, config.SchedulingConfig{LocalDomains: []string{"example.com"}, ServerName: "node1"}),
		ACL:        allowAllACL{},
		Dir:        dir,
		Store:      store,
		Cfg:        config.SchedulingConfig{LocalDomains: []string{"example.com"}, ServerName: "node1"},
		ActingUser: organizer,
	}

	cal := testEnvelope(t, "REQUEST")
	status, err := r.Deliver(context.Background(), "mailto:bob@example.com", cal, "REQUEST", "", false)
	if err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	if status != StatusRejected {
		t.Fatalf("expected %q for VEVENT REQUEST against a stored VTODO, got %q", StatusRejected, status)
	}
	if store.objects["cal-bob/evt-1"].Component != "VTODO" {
		t.Fatalf("stored object must not be overwritten by the mismatched merge")
	}
}

func TestRouterDeliverIllegalForceSendIsRejected(t *testing.T) {
	dir := &fakeDirectory{}
	r := &Router{
		Resolver: address.NewResolver(dir, config.SchedulingConfig{}),
		Dir:      dir,
		Store:    newFakeStore(),
	}
	cal := testEnvelope(t, "REQUEST")
	status, err := r.Deliver(context.Background(), "mailto:bob@example.com", cal, "REQUEST", "REPLY", false)
	if err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	if status != StatusInvalidParam {
		t.Fatalf("expected %q, got %q", StatusInvalidParam, status)
	}
}
