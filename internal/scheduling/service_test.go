package scheduling

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/larkspur-mail/caldav-scheduler/internal/acl"
	"github.com/larkspur-mail/caldav-scheduler/internal/config"
	"github.com/larkspur-mail/caldav-scheduler/internal/directory"
	"github.com/larkspur-mail/caldav-scheduler/internal/storage"
)

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

func (f *fakeStore) ListObjectsByComponent(ctx context.Context, calendarID string, components []string, start, end *time.Time) ([]*storage.Object, error) {
	return nil, nil
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

func allowAll() acl.Effective {
	return acl.Effective{
		Read: true, WriteProps: true, WriteContent: true, Bind: true, Unbind: true,
		ScheduleSend: true, ScheduleDeliverInvite: true, ScheduleDeliverReply: true,
	}
}

type allowAllACL struct{}

func (allowAllACL) Effective(ctx context.Context, user *directory.User, calendarID string) (acl.Effective, error) {
	return allowAll(), nil
}

func (allowAllACL) VisibleCalendars(ctx context.Context, user *directory.User) (map[string]acl.Effective, error) {
	return nil, nil
}

func organizerEvent(uid, organizer string, attendees []string) []byte {
	var sb strings.Builder
	sb.WriteString("BEGIN:VCALENDAR\r\nVERSION:2.0\r\nBEGIN:VEVENT\r\n")
	sb.WriteString("UID:" + uid + "\r\n")
	sb.WriteString("DTSTAMP:20260801T090000Z\r\nDTSTART:20260801T100000Z\r\nDTEND:20260801T110000Z\r\n")
	sb.WriteString("SEQUENCE:0\r\nSUMMARY:Standup\r\n")
	sb.WriteString("ORGANIZER:mailto:" + organizer + "\r\n")
	for _, a := range attendees {
		sb.WriteString("ATTENDEE;ROLE=REQ-PARTICIPANT;PARTSTAT=NEEDS-ACTION:mailto:" + a + "\r\n")
	}
	sb.WriteString("END:VEVENT\r\nEND:VCALENDAR\r\n")
	return []byte(sb.String())
}

func testEngine(store storage.Store, dir directory.Directory) *Engine {
	cfg := config.SchedulingConfig{LocalDomains: []string{"example.com"}, ServerName: "node1"}
	return NewEngine(cfg, store, dir, allowAllACL{}, zerolog.Nop(), "-//caldav-scheduler//EN")
}

func TestProcessOrganizerWriteDeliversToLocalAttendee(t *testing.T) {
	dir := &fakeDirectory{users: map[string]*directory.User{
		"bob": {UID: "bob", Mail: "bob@example.com"},
	}}
	store := newFakeStore()
	store.calendars["bob"] = []*storage.Calendar{{ID: "cal-bob"}}
	store.inboxes["bob"] = &storage.Calendar{ID: "inbox-bob"}

	engine := testEngine(store, dir)
	actingUser := &directory.User{UID: "alice", Mail: "alice@example.com"}

	newData := organizerEvent("evt-1", "alice@example.com", []string{"bob@example.com"})
	out, err := engine.ProcessOrganizerWrite(context.Background(), actingUser, allowAll(), nil, newData)
	if err != nil {
		t.Fatalf("ProcessOrganizerWrite: %v", err)
	}
	if !strings.Contains(string(out), "SCHEDULE-STATUS") {
		t.Fatalf("expected SCHEDULE-STATUS on the stored object, got:\n%s", out)
	}
	if _, ok := store.objects["cal-bob/evt-1"]; !ok {
		t.Fatalf("expected the new event created directly in bob's calendar")
	}
	if len(store.delivered) != 0 {
		t.Fatalf("a brand-new REQUEST is materialized via PutObject, not an inbox deposit; got %d delivered", len(store.delivered))
	}
}

func TestProcessOrganizerWriteCancelSendsToAttendee(t *testing.T) {
	dir := &fakeDirectory{users: map[string]*directory.User{
		"bob": {UID: "bob", Mail: "bob@example.com"},
	}}
	store := newFakeStore()
	store.calendars["bob"] = []*storage.Calendar{{ID: "cal-bob"}}
	store.inboxes["bob"] = &storage.Calendar{ID: "inbox-bob"}

	engine := testEngine(store, dir)
	actingUser := &directory.User{UID: "alice", Mail: "alice@example.com"}

	oldData := organizerEvent("evt-2", "alice@example.com", []string{"bob@example.com"})
	// Bob already has this event materialized in his calendar from an
	// earlier REQUEST; CANCEL marks it STATUS:CANCELLED in place rather
	// than depositing a new object in his inbox.
	store.objects["cal-bob/evt-2"] = &storage.Object{
		ID: "existing", CalendarID: "cal-bob", UID: "evt-2", Component: "VEVENT", Data: string(oldData),
	}

	out, err := engine.ProcessOrganizerWrite(context.Background(), actingUser, allowAll(), oldData, nil)
	if err != nil {
		t.Fatalf("ProcessOrganizerWrite cancel: %v", err)
	}
	if out != nil {
		t.Fatalf("expected nil bytes on a pure cancellation, got %s", out)
	}
	if !strings.Contains(store.objects["cal-bob/evt-2"].Data, "STATUS:CANCELLED") {
		t.Fatalf("expected bob's stored copy marked STATUS:CANCELLED, got:\n%s", store.objects["cal-bob/evt-2"].Data)
	}
	if len(store.delivered) != 0 {
		t.Fatalf("CANCEL merges into the existing object rather than depositing to the inbox; got %d delivered", len(store.delivered))
	}
}

func TestHandleOutboxPostReplyDeliversToOrganizer(t *testing.T) {
	dir := &fakeDirectory{users: map[string]*directory.User{
		"alice": {UID: "alice", Mail: "alice@example.com"},
	}}
	store := newFakeStore()
	store.calendars["alice"] = []*storage.Calendar{{ID: "cal-alice"}}
	store.inboxes["alice"] = &storage.Calendar{ID: "inbox-alice"}

	engine := testEngine(store, dir)
	bob := &directory.User{UID: "bob", Mail: "bob@example.com"}

	// Alice's copy of the meeting must already exist for the REPLY to
	// have anything to merge into; a REPLY to an unknown UID is a
	// permanent failure rather than a fresh create.
	store.objects["cal-alice/evt-3"] = &storage.Object{
		ID: "existing", CalendarID: "cal-alice", UID: "evt-3", Component: "VEVENT",
		Data: string(organizerEvent("evt-3", "alice@example.com", []string{"bob@example.com"})),
	}

	var sb strings.Builder
	sb.WriteString("BEGIN:VCALENDAR\r\nVERSION:2.0\r\nMETHOD:REPLY\r\nBEGIN:VEVENT\r\n")
	sb.WriteString("UID:evt-3\r\nDTSTAMP:20260801T090000Z\r\nDTSTART:20260801T100000Z\r\nDTEND:20260801T110000Z\r\n")
	sb.WriteString("SEQUENCE:0\r\nORGANIZER:mailto:alice@example.com\r\n")
	sb.WriteString("ATTENDEE;PARTSTAT=ACCEPTED:mailto:bob@example.com\r\n")
	sb.WriteString("END:VEVENT\r\nEND:VCALENDAR\r\n")

	resp, err := engine.HandleOutboxPost(context.Background(), bob, allowAll(), []byte(sb.String()))
	if err != nil {
		t.Fatalf("HandleOutboxPost: %v", err)
	}
	if len(resp.Response) != 1 || resp.Response[0].Recipient != "mailto:alice@example.com" {
		t.Fatalf("expected a single response addressed to the organizer, got %+v", resp.Response)
	}
	if len(store.delivered) != 1 {
		t.Fatalf("expected the REPLY delivered to alice's inbox, got %d", len(store.delivered))
	}
}

func TestHandleOutboxPostRejectsWithoutScheduleSend(t *testing.T) {
	dir := &fakeDirectory{}
	store := newFakeStore()
	engine := testEngine(store, dir)
	actingUser := &directory.User{UID: "alice", Mail: "alice@example.com"}

	req := organizerEvent("evt-4", "alice@example.com", nil)
	if _, err := engine.HandleOutboxPost(context.Background(), actingUser, acl.Effective{}, req); err == nil {
		t.Fatalf("expected an error when the acting user lacks schedule-send")
	}
}

func TestHandleOutboxPostFreebusyDispatchesToFederator(t *testing.T) {
	dir := &fakeDirectory{users: map[string]*directory.User{
		"bob": {UID: "bob", Mail: "bob@example.com"},
	}}
	store := newFakeStore()
	store.calendars["bob"] = []*storage.Calendar{{ID: "cal-bob"}}

	engine := testEngine(store, dir)
	actingUser := &directory.User{UID: "alice", Mail: "alice@example.com"}

	start := time.Date(2026, 8, 1, 9, 0, 0, 0, time.UTC)
	end := time.Date(2026, 8, 1, 17, 0, 0, 0, time.UTC)
	var sb strings.Builder
	sb.WriteString("BEGIN:VCALENDAR\r\nVERSION:2.0\r\nMETHOD:REQUEST\r\nBEGIN:VFREEBUSY\r\n")
	sb.WriteString("ORGANIZER:mailto:alice@example.com\r\nATTENDEE:mailto:bob@example.com\r\n")
	sb.WriteString("DTSTART:" + start.Format("20060102T150405Z") + "\r\n")
	sb.WriteString("DTEND:" + end.Format("20060102T150405Z") + "\r\n")
	sb.WriteString("END:VFREEBUSY\r\nEND:VCALENDAR\r\n")

	resp, err := engine.HandleOutboxPost(context.Background(), actingUser, allowAll(), []byte(sb.String()))
	if err != nil {
		t.Fatalf("HandleOutboxPost freebusy: %v", err)
	}
	if len(resp.Response) != 1 || resp.Response[0].Recipient != "mailto:bob@example.com" {
		t.Fatalf("expected a single free-busy response for bob, got %+v", resp.Response)
	}
}
