package background

import (
	"encoding/json"
	"fmt"

	"cooped/pkg/cooped"
)

// Message types accepted by Handle.
const (
	MsgCheckBlockedSite   = "CHECK_BLOCKED_SITE"
	MsgChallengeShown     = "CHALLENGE_SHOWN"
	MsgChallengeCompleted = "CHALLENGE_COMPLETED"
	MsgTabVisibility      = "TAB_VISIBILITY"
	MsgRecordShort        = "RECORD_SHORT"
	MsgVideoPlayback      = "VIDEO_PLAYBACK"
	MsgLongFormAnswer     = "LONGFORM_ANSWER"
	MsgClassifyPage       = "CLASSIFY_PAGE"
	MsgGetTimeTracking    = "GET_TIME_TRACKING"
	MsgApplyXPEvent       = "applyXpEvent"
	MsgGetSkipStatus      = "getSkipStatus"
	MsgUseHeart           = "useHeart"
	MsgRecordCleanDay     = "recordCleanDay"
	MsgSignIn             = "SIGN_IN"
	MsgSignUp             = "SIGN_UP"
	MsgSignOut            = "SIGN_OUT"
	MsgGetProfile         = "GET_PROFILE"
	MsgCreateCoop         = "CREATE_COOP"
	MsgJoinCoop           = "JOIN_COOP"
	MsgLeaveCoop          = "LEAVE_COOP"
	MsgGetCoop            = "GET_COOP"
	MsgInviteToCoop       = "INVITE_TO_COOP"
	MsgCreateSideQuest    = "CREATE_SIDE_QUEST"
	MsgSubmitSideQuest    = "SUBMIT_SIDE_QUEST"
	MsgFinalizeSideQuest  = "FINALIZE_SIDE_QUEST"
	MsgSetBlockedDomains  = "SET_BLOCKED_DOMAINS"
	MsgReset              = "RESET"
)

// Message is a flat JSON object tagged by "type". The remaining fields are
// decoded per type by the handler.
type Message struct {
	Type string
	raw  json.RawMessage
}

// UnmarshalJSON keeps the whole object for the handler.
func (m *Message) UnmarshalJSON(data []byte) error {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return err
	}
	m.Type = head.Type
	m.raw = append(json.RawMessage(nil), data...)
	return nil
}

// MarshalJSON writes the original object.
func (m Message) MarshalJSON() ([]byte, error) {
	if len(m.raw) == 0 {
		return json.Marshal(map[string]string{"type": m.Type})
	}
	return m.raw, nil
}

// NewMessage builds a message of type typ with the fields of payload, which
// must marshal to a JSON object (or be nil).
func NewMessage(typ string, payload any) (Message, error) {
	fields := map[string]any{}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return Message{}, fmt.Errorf("marshal payload: %w", err)
		}
		if err := json.Unmarshal(data, &fields); err != nil {
			return Message{}, fmt.Errorf("payload must be an object: %w", err)
		}
	}
	fields["type"] = typ
	data, err := json.Marshal(fields)
	if err != nil {
		return Message{}, err
	}
	return Message{Type: typ, raw: data}, nil
}

// Decode unmarshals the message fields into dst.
func (m Message) Decode(dst any) error {
	if len(m.raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(m.raw, dst); err != nil {
		return fmt.Errorf("decode %s: %w", m.Type, err)
	}
	return nil
}

// Response is the reply to every message.
type Response struct {
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
	Success bool   `json:"success"`
}

// Payloads by message type.

// PageRequest is sent for CHECK_BLOCKED_SITE and CHALLENGE_SHOWN.
type PageRequest struct {
	URL   string `json:"url"`
	TabID int    `json:"tab_id"`
}

// ChallengeResult is sent for CHALLENGE_COMPLETED.
type ChallengeResult struct {
	URL           string `json:"url"`
	ChallengeType string `json:"challenge_type"`
	TabID         int    `json:"tab_id"`
	Difficulty    int    `json:"difficulty"`
	Correct       bool   `json:"correct"`
}

// VisibilityRequest is sent for TAB_VISIBILITY.
type VisibilityRequest struct {
	URL     string `json:"url"`
	Visible bool   `json:"visible"`
}

// PlaybackRequest is sent for VIDEO_PLAYBACK.
type PlaybackRequest struct {
	VideoID string `json:"video_id"`
	Playing bool   `json:"playing"`
}

// AnswerRequest is sent for LONGFORM_ANSWER.
type AnswerRequest struct {
	VideoID    string `json:"video_id"`
	Productive bool   `json:"productive"`
}

// ClassifyRequest is sent for CLASSIFY_PAGE. HTML is optional.
type ClassifyRequest struct {
	URL  string `json:"url"`
	HTML string `json:"html,omitempty"`
}

// XPRequest is sent for applyXpEvent.
type XPRequest struct {
	Event      string `json:"event"`
	Difficulty int    `json:"difficulty,omitempty"`
	Streak     int    `json:"streak,omitempty"`
}

// Credentials are sent for SIGN_IN and SIGN_UP.
type Credentials struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// CoopRequest is sent for the coop messages; only the fields a type uses are read.
type CoopRequest struct {
	Name   string `json:"name,omitempty"`
	Code   string `json:"code,omitempty"`
	CoopID string `json:"coop_id,omitempty"`
	Email  string `json:"email,omitempty"`
}

// QuestRequest is sent for the side quest messages.
type QuestRequest struct {
	QuestID          string            `json:"quest_id,omitempty"`
	Title            string            `json:"title,omitempty"`
	Questions        []cooped.Question `json:"questions,omitempty"`
	Answers          []int             `json:"answers,omitempty"`
	TimeTakenSeconds float64           `json:"time_taken_seconds,omitempty"`
}

// DomainsRequest is sent for SET_BLOCKED_DOMAINS.
type DomainsRequest struct {
	Domains []string `json:"domains"`
}
