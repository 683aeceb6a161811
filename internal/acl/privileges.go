package acl

type Priv uint32

const (
	PrivRead Priv = 1 << iota
	PrivWriteProps
	PrivWriteContent
	PrivBind
	PrivUnbind
	PrivScheduleSend
	PrivScheduleDeliverInvite
	PrivScheduleDeliverReply
	PrivAll = PrivRead | PrivWriteProps | PrivWriteContent | PrivBind | PrivUnbind |
		PrivScheduleSend | PrivScheduleDeliverInvite | PrivScheduleDeliverReply
)

type Effective struct {
	Read                        bool
	WriteProps                  bool
	WriteContent                bool
	Bind                        bool
	Unbind                      bool
	Unlock                      bool
	ReadACL                     bool
	ReadCurrentUserPrivilegeSet bool
	// ScheduleSend grants "schedule-send" on a Scheduling Outbox (CALDAV:schedule-send).
	ScheduleSend bool
	// ScheduleDeliverInvite grants "schedule-deliver-invite" on a Scheduling Inbox.
	ScheduleDeliverInvite bool
	// ScheduleDeliverReply grants "schedule-deliver-reply" on a Scheduling Inbox.
	ScheduleDeliverReply bool
}

func (e Effective) CanRead() bool {
	return e.Read
}

func (e Effective) CanWrite() bool {
	return e.WriteProps || e.WriteContent
}

func (e Effective) CanCreate() bool {
	return e.Bind
}

func (e Effective) CanDelete() bool {
	return e.Unbind
}

func (e Effective) CanUnlock() bool {
	return e.Unlock
}

func (e Effective) CanReadACL() bool {
	return e.ReadACL
}

func (e Effective) CanReadCurrentUserPrivilegeSet() bool {
	return e.ReadCurrentUserPrivilegeSet || e.Read
}

func (e Effective) CanWriteACL() bool {
	return false
}

func (e Effective) CanScheduleSend() bool {
	return e.ScheduleSend
}

func (e Effective) CanDeliverInvite() bool {
	return e.ScheduleDeliverInvite
}

func (e Effective) CanDeliverReply() bool {
	return e.ScheduleDeliverReply
}
