package wire

import (
	"bufio"
	"io"
	"strings"
	"testing"
)

func TestReadMessageParsesSimpleEvent(t *testing.T) {
	r := bufio.NewReader(strings.NewReader("Event: FullyBooted\r\nPrivilege: system,all\r\n\r\n"))
	msg, err := ReadMessage(r)
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	if msg.Get(HeaderEvent) != "FullyBooted" {
		t.Fatalf("Event header = %q", msg.Get(HeaderEvent))
	}
	if msg.Get("Privilege") != "system,all" {
		t.Fatalf("Privilege header = %q", msg.Get("Privilege"))
	}
}

func TestReadMessageSkipsBlankLinesBeforeContent(t *testing.T) {
	r := bufio.NewReader(strings.NewReader("\r\n\r\nEvent: FullyBooted\r\n\r\n"))
	msg, err := ReadMessage(r)
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	if msg.Get(HeaderEvent) != "FullyBooted" {
		t.Fatalf("Event header = %q", msg.Get(HeaderEvent))
	}
}

func TestReadMessageAccumulatesFollowsPayloadUntilMarker(t *testing.T) {
	raw := "Response: Follows\r\n" +
		"Privilege: Command\r\n" +
		"there is 1 peer\r\n" +
		"Name/username: 1001\r\n" +
		"--END COMMAND--\r\n" +
		"\r\n"
	r := bufio.NewReader(strings.NewReader(raw))
	msg, err := ReadMessage(r)
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	if msg.Get(HeaderResponse) != ResponseFollows {
		t.Fatalf("Response header = %q", msg.Get(HeaderResponse))
	}
	if msg.Get("Privilege") != "Command" {
		t.Fatalf("Privilege header = %q", msg.Get("Privilege"))
	}
	// The first colonless payload line opens the data block; the
	// header-looking line after it stays payload too.
	if len(msg.Data) != 2 {
		t.Fatalf("len(Data) = %d, want 2: %v", len(msg.Data), msg.Data)
	}
	if msg.Data[0] != "there is 1 peer" || msg.Data[1] != "Name/username: 1001" {
		t.Fatalf("Data = %v", msg.Data)
	}
}

func TestReadMessageRoutesColonlessLineToData(t *testing.T) {
	// Outside a Follows block, a line without ':' still only ends the
	// message at the next isolated CRLF; parseMessage files it under
	// Data rather than Headers.
	raw := "Response: Error\r\n" +
		"a stray line with no colon\r\n" +
		"\r\n"
	r := bufio.NewReader(strings.NewReader(raw))
	msg, err := ReadMessage(r)
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	if len(msg.Data) != 1 || msg.Data[0] != "a stray line with no colon" {
		t.Fatalf("Data = %v", msg.Data)
	}
}

func TestReadMessageSequentialMessagesOnOneStream(t *testing.T) {
	raw := "Event: FullyBooted\r\n\r\nEvent: Hangup\r\nChannel: SIP/1001-1\r\n\r\n"
	r := bufio.NewReader(strings.NewReader(raw))

	first, err := ReadMessage(r)
	if err != nil {
		t.Fatalf("first ReadMessage: %v", err)
	}
	if first.Name() != "FullyBooted" {
		t.Fatalf("first.Name() = %q", first.Name())
	}

	second, err := ReadMessage(r)
	if err != nil {
		t.Fatalf("second ReadMessage: %v", err)
	}
	if second.Name() != "Hangup" || second.Get("Channel") != "SIP/1001-1" {
		t.Fatalf("second = %+v", second)
	}
}

func TestReadMessageReturnsEOFOnEmptyStream(t *testing.T) {
	r := bufio.NewReader(strings.NewReader(""))
	_, err := ReadMessage(r)
	if err != io.EOF {
		t.Fatalf("err = %v, want io.EOF", err)
	}
}

func TestMessageRoundTripsThroughBytesAndReadMessage(t *testing.T) {
	out := &Message{}
	out.Add(HeaderAction, "Ping")
	out.Add(HeaderActionID, "host-abcde-00000001")

	r := bufio.NewReader(strings.NewReader(string(out.Bytes())))
	in, err := ReadMessage(r)
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	if in.Get(HeaderAction) != "Ping" {
		t.Fatalf("Action header = %q", in.Get(HeaderAction))
	}
	if in.ActionID() != "host-abcde-00000001" {
		t.Fatalf("ActionID = %q", in.ActionID())
	}
}
