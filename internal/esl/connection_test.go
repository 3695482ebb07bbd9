package esl

import (
    "bufio"
    "strconv"
    "strings"
    "testing"

    "github.com/stretchr/testify/require"
)

func TestEventAccessors(t *testing.T) {
    e := Event{
        "Unique-ID":                 "abc-123",
        "Caller-Caller-ID-Number":   "15551234567",
        "Caller-Destination-Number": "442071234567",
        "variable_duration":         "65",
        "variable_billsec":          "60",
        "Hangup-Cause":              "NORMAL_CLEARING",
        "Event-Name":                "CHANNEL_HANGUP_COMPLETE",
    }

    require.Equal(t, "CHANNEL_HANGUP_COMPLETE", e.Name())
    require.Equal(t, "abc-123", e.UniqueID())
    require.Equal(t, "15551234567", e.Caller())
    require.Equal(t, "442071234567", e.Callee())
    require.Equal(t, 65, e.DurationSeconds())
    require.Equal(t, 60, e.BillsecSeconds())
    require.Equal(t, "NORMAL_CLEARING", e.HangupCause())
}

func TestEventAccessorsFallBackToSIPVariables(t *testing.T) {
    e := Event{
        "Channel-Call-UUID":     "xyz-999",
        "variable_sip_from_user": "15550001111",
        "variable_sip_to_user":   "442079998888",
    }

    require.Equal(t, "xyz-999", e.UniqueID())
    require.Equal(t, "15550001111", e.Caller())
    require.Equal(t, "442079998888", e.Callee())
}

func TestEventDurationDefaultsOnGarbage(t *testing.T) {
    e := Event{"variable_duration": "not-a-number"}
    require.Equal(t, 0, e.DurationSeconds())
}

func TestReadMessageHeaderOnly(t *testing.T) {
    raw := "Content-Type: command/reply\r\nReply-Text: +OK\r\n\r\n"
    reader := bufio.NewReader(strings.NewReader(raw))

    msg, err := readMessage(reader)
    require.NoError(t, err)
    require.Equal(t, "command/reply", msg["Content-Type"])
    require.Equal(t, "+OK", msg["Reply-Text"])
}

func TestReadMessageWithNestedEventPlainBody(t *testing.T) {
    body := "Event-Name: CHANNEL_ANSWER\nUnique-ID: call-1\n\n"
    raw := "Content-Type: text/event-plain\r\nContent-Length: " +
        strconv.Itoa(len(body)) + "\r\n\r\n" + body
    reader := bufio.NewReader(strings.NewReader(raw))

    msg, err := readMessage(reader)
    require.NoError(t, err)
    require.Equal(t, "text/event-plain", msg["Content-Type"])
    require.Equal(t, "CHANNEL_ANSWER", msg["Event-Name"])
    require.Equal(t, "call-1", msg["Unique-ID"])
}

func TestReadMessageWithOpaqueBody(t *testing.T) {
    body := "some raw payload"
    raw := "Content-Type: api/response\r\nContent-Length: " +
        strconv.Itoa(len(body)) + "\r\n\r\n" + body
    reader := bufio.NewReader(strings.NewReader(raw))

    msg, err := readMessage(reader)
    require.NoError(t, err)
    require.Equal(t, body, msg["__body"])
}

func TestParseEventBody(t *testing.T) {
    body := "Event-Name: CHANNEL_HANGUP_COMPLETE\r\nHangup-Cause: NORMAL_CLEARING\r\n\r\nignored-trailer"
    parsed, err := parseEventBody(body)
    require.NoError(t, err)
    require.Equal(t, "CHANNEL_HANGUP_COMPLETE", parsed["Event-Name"])
    require.Equal(t, "NORMAL_CLEARING", parsed["Hangup-Cause"])
}

