// Package models defines the core data structures for AgendaBot.
//
// It includes the session state machine vocabulary (states, intents, slots),
// the outbound delivery job, and the API payload types shared across modules.
package models

import (
	"errors"
	"strings"
	"time"
)

// SessionState is the closed set of conversation states.
type SessionState string

const (
	StateInitial                 SessionState = "INITIAL"
	StateAwaitingDate            SessionState = "AWAITING_DATE"
	StateAwaitingTime            SessionState = "AWAITING_TIME"
	StateAwaitingService         SessionState = "AWAITING_SERVICE"
	StateAwaitingName            SessionState = "AWAITING_NAME"
	StateAwaitingObs             SessionState = "AWAITING_OBS"
	StateAwaitingPolicyConfirm   SessionState = "AWAITING_POLICY_CONFIRM"
	StateAwaitingTransferConfirm SessionState = "AWAITING_TRANSFER_CONFIRM"
	StateAwaitingCancelPhone     SessionState = "AWAITING_CANCEL_PHONE"
	StateAwaitingCancelConfirm   SessionState = "AWAITING_CANCEL_CONFIRM"
	StateAwaitingCancelTooClose  SessionState = "AWAITING_CANCEL_TOO_CLOSE_CONFIRM"
	StateAwaitingReminderConfirm SessionState = "AWAITING_REMINDER_CONFIRMATION"
	StateHumanAttendance         SessionState = "HUMAN_ATTENDANCE"
)

// IsValidSessionState reports whether s is a member of the closed state set.
func IsValidSessionState(s SessionState) bool {
	switch s {
	case StateInitial, StateAwaitingDate, StateAwaitingTime, StateAwaitingService,
		StateAwaitingName, StateAwaitingObs, StateAwaitingPolicyConfirm,
		StateAwaitingTransferConfirm, StateAwaitingCancelPhone, StateAwaitingCancelConfirm,
		StateAwaitingCancelTooClose, StateAwaitingReminderConfirm, StateHumanAttendance:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether the state carries no slots, history or timestamp.
func (s SessionState) IsTerminal() bool {
	return s == StateInitial || s == StateHumanAttendance
}

// IsTimeoutExempt reports whether the inactivity sweeper must skip the state.
func (s SessionState) IsTimeoutExempt() bool {
	return s.IsTerminal() || s == StateAwaitingReminderConfirm
}

// IsAwaiting reports whether the state belongs to an in-progress flow.
func (s SessionState) IsAwaiting() bool {
	return strings.HasPrefix(string(s), "AWAITING_")
}

// IsCancelFlow reports whether the state belongs to the cancellation flow.
func (s SessionState) IsCancelFlow() bool {
	return strings.HasPrefix(string(s), "AWAITING_CANCEL_")
}

// Intent is the closed set of classified message purposes.
type Intent string

const (
	IntentSchedule        Intent = "schedule"
	IntentCancel          Intent = "cancel"
	IntentGetInfo         Intent = "get_info"
	IntentCourseInfo      Intent = "course_info"
	IntentHumanTransfer   Intent = "human_transfer"
	IntentGreeting        Intent = "greeting"
	IntentConfirmation    Intent = "confirmation"
	IntentAskAvailability Intent = "ask_availability"
	IntentThanking        Intent = "thanking"
	IntentUnknown         Intent = "unknown"
)

// IsValidIntent reports whether i is a member of the closed intent set.
func IsValidIntent(i Intent) bool {
	switch i {
	case IntentSchedule, IntentCancel, IntentGetInfo, IntentCourseInfo, IntentHumanTransfer,
		IntentGreeting, IntentConfirmation, IntentAskAvailability, IntentThanking, IntentUnknown:
		return true
	default:
		return false
	}
}

// Confirmation is an optional yes/no signal extracted alongside the intent.
type Confirmation string

const (
	ConfirmationYes  Confirmation = "yes"
	ConfirmationNo   Confirmation = "no"
	ConfirmationNone Confirmation = ""
)

// ResolvedIntent is the transient result of intent resolution for one message.
// It is consumed by the conversation engine and never persisted as-is.
type ResolvedIntent struct {
	Intent       Intent       `json:"intent"`
	Confirmation Confirmation `json:"confirmation,omitempty"`
	Service      string       `json:"service,omitempty"`
	DateStr      string       `json:"date_str,omitempty"`
	TimeStr      string       `json:"time_str,omitempty"`
}

// Normalize coerces out-of-set values (e.g. from a misbehaving classifier)
// back into the closed enums.
func (r *ResolvedIntent) Normalize() {
	if !IsValidIntent(r.Intent) {
		r.Intent = IntentUnknown
	}
	if r.Confirmation != ConfirmationYes && r.Confirmation != ConfirmationNo {
		r.Confirmation = ConfirmationNone
	}
}

// SlotKey names a piece of collected flow data inside a session.
type SlotKey string

const (
	SlotDateStr         SlotKey = "date_str"
	SlotTime            SlotKey = "time"
	SlotService         SlotKey = "service"
	SlotName            SlotKey = "name"
	SlotPhone           SlotKey = "phone"
	SlotObs             SlotKey = "obs"
	SlotAvailableSlots  SlotKey = "available_slots"
	SlotCancelEventID   SlotKey = "cancel_event_id"
	SlotCancelSummary   SlotKey = "summary"
	SlotCancelDatetime  SlotKey = "datetime"
	SlotLastBotQuestion SlotKey = "last_bot_question"
	SlotStateTimestamp  SlotKey = "state_timestamp"
)

// Roles for history messages sent to the classifier.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// HistoryMessage is one role-tagged turn of the recent conversation window.
type HistoryMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// MaxHistoryMessages bounds the persisted conversation window. The classifier
// only ever sees the last few turns; keeping a short window avoids unbounded
// growth of the session row.
const MaxHistoryMessages = 20

// Session is the persisted per-user conversation state.
type Session struct {
	UserID  string             `json:"user_id"`
	State   SessionState       `json:"state"`
	Slots   map[SlotKey]string `json:"slots"`
	History []HistoryMessage   `json:"history"`
}

// NewSession creates a fresh session in the INITIAL state.
func NewSession(userID string) *Session {
	return &Session{
		UserID:  userID,
		State:   StateInitial,
		Slots:   make(map[SlotKey]string),
		History: nil,
	}
}

// SetState transitions the session, enforcing the state invariants: INITIAL
// and HUMAN_ATTENDANCE carry no slots, no history and no timestamp; states
// exempt from timeout sweeping carry no timestamp; every other state records
// the transition time for inactivity sweeping.
func (s *Session) SetState(state SessionState, now time.Time) {
	s.State = state
	if state.IsTerminal() {
		s.Slots = make(map[SlotKey]string)
		s.History = nil
		return
	}
	if s.Slots == nil {
		s.Slots = make(map[SlotKey]string)
	}
	if state.IsTimeoutExempt() {
		delete(s.Slots, SlotStateTimestamp)
		return
	}
	s.Slots[SlotStateTimestamp] = now.Format(time.RFC3339)
}

// Slot returns the stored value for key, or "" when absent.
func (s *Session) Slot(key SlotKey) string {
	if s.Slots == nil {
		return ""
	}
	return s.Slots[key]
}

// SetSlot stores a slot value, allocating the map on first use.
func (s *Session) SetSlot(key SlotKey, value string) {
	if s.Slots == nil {
		s.Slots = make(map[SlotKey]string)
	}
	s.Slots[key] = value
}

// MergeResolved copies classifier-extracted slot values into the session.
func (s *Session) MergeResolved(r ResolvedIntent) {
	if r.Service != "" {
		s.SetSlot(SlotService, r.Service)
	}
	if r.DateStr != "" {
		s.SetSlot(SlotDateStr, r.DateStr)
	}
	if r.TimeStr != "" {
		s.SetSlot(SlotTime, r.TimeStr)
	}
}

// AppendHistory appends a turn, keeping at most MaxHistoryMessages entries.
func (s *Session) AppendHistory(role, content string) {
	s.History = append(s.History, HistoryMessage{Role: role, Content: content})
	if len(s.History) > MaxHistoryMessages {
		s.History = s.History[len(s.History)-MaxHistoryMessages:]
	}
}

// StateTimestamp parses the stored inactivity timestamp. The second return is
// false when the slot is absent or malformed.
func (s *Session) StateTimestamp() (time.Time, bool) {
	raw := s.Slot(SlotStateTimestamp)
	if raw == "" {
		return time.Time{}, false
	}
	ts, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, false
	}
	return ts, true
}

// AvailableSlots returns the stored available-slot list for the current date.
func (s *Session) AvailableSlots() []string {
	raw := s.Slot(SlotAvailableSlots)
	if raw == "" {
		return nil
	}
	return strings.Split(raw, ",")
}

// SetAvailableSlots stores the computed available-slot list.
func (s *Session) SetAvailableSlots(slots []string) {
	s.SetSlot(SlotAvailableSlots, strings.Join(slots, ","))
}

// MaxDeliveryAttempts caps outbound delivery retries; a job that reaches the
// cap stays in the store but is never selected again.
const MaxDeliveryAttempts = 5

// OutboundJob is one queued message awaiting delivery through the gateway.
type OutboundJob struct {
	ID        int64     `json:"id"`
	Recipient string    `json:"recipient"`
	Text      string    `json:"text"`
	Media     []byte    `json:"media,omitempty"`
	Filename  string    `json:"filename,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	Attempts  int       `json:"attempts"`
}

// HasMedia reports whether the job carries a document payload.
func (j *OutboundJob) HasMedia() bool {
	return len(j.Media) > 0
}

// Validation errors for inbound payloads.
var (
	ErrEmptyUserID  = errors.New("userId cannot be empty")
	ErrEmptyMessage = errors.New("message cannot be empty")
)

// WebhookRequest is the inbound message record received from the gateway.
type WebhookRequest struct {
	UserID  string `json:"userId"`
	Message string `json:"message"`
}

// Validate rejects empty inbound fields before they reach the engine.
func (r *WebhookRequest) Validate() error {
	if strings.TrimSpace(r.UserID) == "" {
		return ErrEmptyUserID
	}
	if strings.TrimSpace(r.Message) == "" {
		return ErrEmptyMessage
	}
	return nil
}

// APIStatus represents the status of an API response.
type APIStatus string

const (
	APIStatusOK    APIStatus = "ok"
	APIStatusError APIStatus = "error"
)

// APIResponse is the standard JSON envelope for API replies.
type APIResponse struct {
	Status  string      `json:"status"`
	Message string      `json:"message,omitempty"`
	Result  interface{} `json:"result,omitempty"`
}

// Success creates a successful API response with optional result data.
func Success(result interface{}) APIResponse {
	return APIResponse{Status: string(APIStatusOK), Result: result}
}

// SuccessWithMessage creates a successful API response with a message.
func SuccessWithMessage(message string, result interface{}) APIResponse {
	return APIResponse{Status: string(APIStatusOK), Message: message, Result: result}
}

// Error creates an error API response with a message.
func Error(message string) APIResponse {
	return APIResponse{Status: string(APIStatusError), Message: message}
}
