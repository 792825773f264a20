// Package task defines the wire-level task records exchanged between the
// producer API, the scheduler worker and the report worker pool.
//
// The encoding is a semicolon-delimited list of fields in a fixed order. It is
// a cross-process protocol: decoding is strict and ordered, every field is
// checked against its semantic type, and the first failure invalidates the
// whole record. Adding a field is a protocol change and must bump the field
// order for every consumer at once.
package task

import (
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
)

const sep = ";"

// TimeLayout is the wall-clock format of alarm times.
const TimeLayout = "15:04"

// DateLayout is the journal date format used in report ranges.
const DateLayout = "02.01.06"

// ErrMalformed marks task records that failed strict decoding. Per protocol
// such records are dropped by consumers, never partially applied.
var ErrMalformed = errors.New("task: malformed record")

// Channel is an external messaging surface with a registered callback URL.
type Channel string

const (
	ChannelTelegram Channel = "telegram"
	ChannelDiscord  Channel = "discord"
	ChannelWhatsapp Channel = "whatsapp"
)

// Channels lists every known channel in a stable order.
func Channels() []Channel {
	return []Channel{ChannelTelegram, ChannelDiscord, ChannelWhatsapp}
}

// ParseChannel validates enum membership.
func ParseChannel(s string) (Channel, error) {
	switch c := Channel(s); c {
	case ChannelTelegram, ChannelDiscord, ChannelWhatsapp:
		return c, nil
	}
	return "", errors.Wrapf(ErrMalformed, "unknown channel %q", s)
}

// Action discriminates alarm subscription records.
type Action string

const (
	ActionAdd    Action = "add"
	ActionDelete Action = "delete"
)

// ParseAction validates enum membership.
func ParseAction(s string) (Action, error) {
	switch a := Action(s); a {
	case ActionAdd, ActionDelete:
		return a, nil
	}
	return "", errors.Wrapf(ErrMalformed, "unknown alarm action %q", s)
}

// Requester is the origin of a report request.
type Requester string

const (
	// RequesterChannel means an interactive user asked for the report.
	RequesterChannel Requester = "channel"
	// RequesterScheduler means the recurring weekly job ordered it.
	RequesterScheduler Requester = "scheduler"
)

// ParseRequester validates enum membership.
func ParseRequester(s string) (Requester, error) {
	switch r := Requester(s); r {
	case RequesterChannel, RequesterScheduler:
		return r, nil
	}
	return "", errors.Wrapf(ErrMalformed, "unknown requester %q", s)
}

// AlarmTask subscribes or unsubscribes a tenant to a daily alarm time.
// Wire order: action;channel;channel_id;time.
type AlarmTask struct {
	Action    Action
	Channel   Channel
	ChannelID int64
	Time      string // wall-clock HH:MM
}

// Encode renders the record in wire format.
func (t AlarmTask) Encode() string {
	return strings.Join([]string{
		string(t.Action),
		string(t.Channel),
		strconv.FormatInt(t.ChannelID, 10),
		t.Time,
	}, sep)
}

// DecodeAlarm parses a wire record into an AlarmTask. Any field failing its
// type or enum check makes the whole record unrecoverable.
func DecodeAlarm(s string) (AlarmTask, error) {
	fields := strings.Split(s, sep)
	if len(fields) != 4 {
		return AlarmTask{}, errors.Wrapf(ErrMalformed, "alarm record has %d fields, want 4", len(fields))
	}

	action, err := ParseAction(fields[0])
	if err != nil {
		return AlarmTask{}, err
	}
	channel, err := ParseChannel(fields[1])
	if err != nil {
		return AlarmTask{}, err
	}
	channelID, err := strconv.ParseInt(fields[2], 10, 64)
	if err != nil {
		return AlarmTask{}, errors.Wrapf(ErrMalformed, "channel_id %q is not an integer", fields[2])
	}
	if _, err := time.Parse(TimeLayout, fields[3]); err != nil {
		return AlarmTask{}, errors.Wrapf(ErrMalformed, "alarm time %q does not match %s", fields[3], TimeLayout)
	}

	return AlarmTask{Action: action, Channel: channel, ChannelID: channelID, Time: fields[3]}, nil
}

// ReportTask orders generation of a journal report for one tenant.
// Wire order: user_id;channel;channel_id;requester;start;end.
type ReportTask struct {
	UserID    int64
	Channel   Channel
	ChannelID int64
	Requester Requester
	Start     string // DD.MM.YY, inclusive
	End       string // DD.MM.YY, inclusive
}

// Encode renders the record in wire format.
func (t ReportTask) Encode() string {
	return strings.Join([]string{
		strconv.FormatInt(t.UserID, 10),
		string(t.Channel),
		strconv.FormatInt(t.ChannelID, 10),
		string(t.Requester),
		t.Start,
		t.End,
	}, sep)
}

// DecodeReport parses a wire record into a ReportTask with the same
// all-or-nothing semantics as DecodeAlarm.
func DecodeReport(s string) (ReportTask, error) {
	fields := strings.Split(s, sep)
	if len(fields) != 6 {
		return ReportTask{}, errors.Wrapf(ErrMalformed, "report record has %d fields, want 6", len(fields))
	}

	userID, err := strconv.ParseInt(fields[0], 10, 64)
	if err != nil {
		return ReportTask{}, errors.Wrapf(ErrMalformed, "user_id %q is not an integer", fields[0])
	}
	channel, err := ParseChannel(fields[1])
	if err != nil {
		return ReportTask{}, err
	}
	channelID, err := strconv.ParseInt(fields[2], 10, 64)
	if err != nil {
		return ReportTask{}, errors.Wrapf(ErrMalformed, "channel_id %q is not an integer", fields[2])
	}
	requester, err := ParseRequester(fields[3])
	if err != nil {
		return ReportTask{}, err
	}
	for _, d := range fields[4:6] {
		if _, err := time.Parse(DateLayout, d); err != nil {
			return ReportTask{}, errors.Wrapf(ErrMalformed, "date %q does not match %s", d, DateLayout)
		}
	}

	return ReportTask{
		UserID:    userID,
		Channel:   channel,
		ChannelID: channelID,
		Requester: requester,
		Start:     fields[4],
		End:       fields[5],
	}, nil
}
