package protocol

import (
	"github.com/goccy/go-json"
)

const Version = "1.0"

// Request names. Each has a schema under schemas/<name>.schema.json.
const (
	ReqLogin           = "login"
	ReqChips           = "chips"
	ReqCreateTarget    = "create_target"
	ReqTarget          = "target"
	ReqMarkViewed      = "mark_viewed"
	ReqCheckSpecies    = "check_species"
	ReqCreateProgress  = "create_progress"
	ReqMessage         = "message"
	ReqMessageUnlock   = "message_unlock"
	ReqMessageForward  = "message_forward"
	ReqNotification    = "notification"
	ReqNextTarget      = "next_target"
	ReqProcessedTarget = "processed_target"
	ReqTimeShift       = "time_shift"
	ReqUser            = "user"
)

// Since is embedded by every client request that returns chips.
type Since struct {
	LastSeenChipTime int64 `json:"last_seen_chip_time"`
}

type LoginReq struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type LoginResp struct {
	UserID string `json:"user_id"`
}

type CreateTargetReq struct {
	Since
	RoverID      string            `json:"rover_id"`
	CID          string            `json:"cid"`
	Lat          float64           `json:"lat"`
	Lng          float64           `json:"lng"`
	Yaw          float64           `json:"yaw"`
	Pitch        float64           `json:"pitch"`
	ArrivalDelta int64             `json:"arrival_delta"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// TargetReq addresses one target: abort_target, highlight_target.
type TargetReq struct {
	Since
	TargetID string `json:"target_id"`
}

type MarkViewedReq struct {
	Since
	Kind string `json:"kind"`
	ID   string `json:"id"`
}

type Rect struct {
	XMin float64 `json:"xmin"`
	YMin float64 `json:"ymin"`
	XMax float64 `json:"xmax"`
	YMax float64 `json:"ymax"`
}

type CheckSpeciesReq struct {
	Since
	TargetID string `json:"target_id"`
	Rects    []Rect `json:"rects"`
}

type CreateProgressReq struct {
	Since
	Key   string `json:"key"`
	Value string `json:"value,omitempty"`
}

type MessageReq struct {
	Since
	MessageID string `json:"message_id"`
}

type MessageUnlockReq struct {
	Since
	MessageID string `json:"message_id"`
	Password  string `json:"password"`
}

type MessageForwardReq struct {
	Since
	MessageID string `json:"message_id"`
	Recipient string `json:"recipient"`
}

type NotificationReq struct {
	Since
	Frequency string `json:"frequency"`
}

// ChipsResp is the envelope every chip-returning endpoint answers with.
type ChipsResp struct {
	Chips any `json:"chips"`
}

type MessageContentResp struct {
	ChipsResp
	Sender  string `json:"sender"`
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

type CheckSpeciesResp struct {
	ChipsResp
	Identified []string `json:"identified"`
}

type NextTargetReq struct {
	Auth string `json:"auth"`
}

type Tile struct {
	Zoom int `json:"zoom"`
	X    int `json:"x"`
	Y    int `json:"y"`
}

type ProcessedTargetReq struct {
	Auth        string            `json:"auth"`
	UserID      string            `json:"user_id"`
	RoverID     string            `json:"rover_id"`
	TargetID    string            `json:"target_id"`
	ArrivalTime int64             `json:"arrival_time"`
	Classified  bool              `json:"classified"`
	Metadata    map[string]string `json:"metadata"`
	Images      map[string]string `json:"images"`
	Sounds      map[string]string `json:"sounds,omitempty"`
	Tiles       []Tile            `json:"tiles,omitempty"`
}

// StatusResp answers renderer RPCs. Job fields are inlined when a target
// was leased.
type StatusResp struct {
	Status string `json:"status"`
}

type TimeShiftReq struct {
	UserID  string `json:"user_id"`
	Seconds int64  `json:"seconds"`
}

type UserReq struct {
	UserID string `json:"user_id"`
}

type DispatchedResp struct {
	StatusResp
	Dispatched int `json:"dispatched"`
}

type ErrorItem struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type ErrorResp struct {
	Errors []ErrorItem `json:"errors"`
}

func Errors(code, msg string) ErrorResp {
	return ErrorResp{Errors: []ErrorItem{{Code: code, Message: msg}}}
}

// Decode validates body against the named request schema and unmarshals it
// into v.
func Decode(name string, body []byte, v any) error {
	if err := Validate(name, body); err != nil {
		return err
	}
	return json.Unmarshal(body, v)
}
