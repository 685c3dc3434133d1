package collab

import (
	"time"
)

// wire surface of the collaboration channel.
// every frame is a utf-8 json object with a mandatory `event` discriminant.
// unknown discriminants are a recognized variant and are dropped by the
// dispatcher, so a newer relay can emit event kinds this client has never
// seen without breaking the session.

// relay -> client
const (
	EventInit             = "init"
	EventUserJoined       = "user_joined"
	EventUserLeft         = "user_left"
	EventUserFocusChanged = "user_focus_changed"
	EventUserViewChanged  = "user_view_changed"
	EventRowUpdate        = "row_update"
	EventChatMessage      = "chat_message"
	EventHeartbeatAck     = "heartbeat_ack"
)

// client -> relay
const (
	EventViewChange       = "view_change"
	EventFocusChange      = "focus_change"
	EventFilterSortUpdate = "filter_sort_update"
	EventHeartbeat        = "heartbeat"
	// outbound chat shares the `chat_message` discriminant with the inbound echo
)

type InitEvent struct {
	Event string           `json:"event"`
	Users []*InitEventUser `json:"users"`
}

type InitEventUser struct {
	UserId        int64  `json:"id"`
	Username      string `json:"username"`
	Color         string `json:"color"`
	AvatarUrl     string `json:"avatar_url,omitempty"`
	CurrentViewId string `json:"current_view_id,omitempty"`
	FocusedRowId  string `json:"focused_row_id,omitempty"`
}

type UserJoinedEvent struct {
	Event     string `json:"event"`
	UserId    int64  `json:"id"`
	Username  string `json:"username"`
	Color     string `json:"color"`
	AvatarUrl string `json:"avatar_url,omitempty"`
}

type UserLeftEvent struct {
	Event  string `json:"event"`
	UserId int64  `json:"id"`
}

type UserFocusChangedEvent struct {
	Event        string `json:"event"`
	UserId       int64  `json:"id"`
	FocusedRowId string `json:"focused_row_id"`
}

type UserViewChangedEvent struct {
	Event         string `json:"event"`
	UserId        int64  `json:"id"`
	CurrentViewId string `json:"current_view_id"`
}

type RowUpdateEvent struct {
	Event      string `json:"event"`
	ViewId     string `json:"view_id"`
	FileId     string `json:"file_id,omitempty"`
	RowId      string `json:"row_id"`
	RowVersion int64  `json:"row_version"`
	ColumnName string `json:"column_name"`
	Value      any    `json:"value"`
}

type ChatMessageEvent struct {
	Event         string    `json:"event"`
	MessageId     Id        `json:"message_id"`
	Content       string    `json:"content"`
	UserId        int64     `json:"user_id"`
	UserUsername  string    `json:"user_username"`
	UserAvatarUrl string    `json:"user_avatar_url,omitempty"`
	ViewId        string    `json:"view_id,omitempty"`
	ViewName      string    `json:"view_name,omitempty"`
	ViewType      string    `json:"view_type,omitempty"`
	ViewFileId    string    `json:"view_file_id,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

type HeartbeatAckEvent struct {
	Event string `json:"event"`
}

// accepted in both directions: sent when the local user edits a view's
// filter or sort, applied to the cache when a peer's preference arrives
type FilterSortUpdateEvent struct {
	Event       string           `json:"event"`
	ViewId      string           `json:"view_id"`
	FilterModel map[string]any   `json:"filter_model"`
	SortModel   []*SortModelItem `json:"sort_model"`
}

type SortModelItem struct {
	ColumnName    string `json:"column_name"`
	SortDirection string `json:"sort_direction,omitempty"`
}

type ViewChangeEvent struct {
	Event  string `json:"event"`
	ViewId string `json:"view_id"`
}

type FocusChangeEvent struct {
	Event string `json:"event"`
	RowId string `json:"row_id"`
}

type ChatPostEvent struct {
	Event   string `json:"event"`
	Content string `json:"content"`
	ViewId  string `json:"view_id,omitempty"`
}

type HeartbeatEvent struct {
	Event string `json:"event"`
}
