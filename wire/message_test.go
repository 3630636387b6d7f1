package wire

import "testing"

func TestParseMessageSplitsHeadersFromData(t *testing.T) {
	lines := []string{
		"Response: Follows\r\n",
		"Privilege: Command\r\n",
		"Extension registered\r\n",
		"--irrelevant data line--\r\n",
	}
	msg := parseMessage(lines)
	if msg == nil {
		t.Fatal("parseMessage returned nil")
	}
	if got := msg.Get(HeaderResponse); got != ResponseFollows {
		t.Fatalf("Response header = %q, want %q", got, ResponseFollows)
	}
	if got := msg.Get("Privilege"); got != "Command" {
		t.Fatalf("Privilege header = %q", got)
	}
	if len(msg.Data) != 2 {
		t.Fatalf("len(Data) = %d, want 2: %v", len(msg.Data), msg.Data)
	}
	if msg.Data[0] != "Extension registered" {
		t.Fatalf("Data[0] = %q", msg.Data[0])
	}
}

func TestParseMessageEmptyLinesIgnored(t *testing.T) {
	if parseMessage(nil) != nil {
		t.Fatal("parseMessage(nil) should return nil")
	}
	if parseMessage([]string{}) != nil {
		t.Fatal("parseMessage([]string{}) should return nil")
	}
}

func TestParseMessageSynthesisesGenericResponse(t *testing.T) {
	lines := []string{"ActionID: 1234\r\n", "Privilege: Command\r\n"}
	msg := parseMessage(lines)
	if msg.Get(HeaderResponse) != GenericResponse {
		t.Fatalf("Response header = %q, want %q", msg.Get(HeaderResponse), GenericResponse)
	}
	if msg.IsEvent() {
		t.Fatal("message with ActionID and no Event header should not be IsEvent")
	}
}

func TestParseMessageSynthesisesGenericEvent(t *testing.T) {
	lines := []string{"Privilege: Command\r\n"}
	msg := parseMessage(lines)
	if msg.Get(HeaderEvent) != GenericEvent {
		t.Fatalf("Event header = %q, want %q", msg.Get(HeaderEvent), GenericEvent)
	}
	if msg.IsResponse() {
		t.Fatal("message with no ActionID should not be IsResponse")
	}
}

func TestParseMessageLeavesExplicitNamesAlone(t *testing.T) {
	lines := []string{"Event: PeerStatus\r\n", "Peer: SIP/1001\r\n"}
	msg := parseMessage(lines)
	if msg.Name() != "PeerStatus" {
		t.Fatalf("Name() = %q", msg.Name())
	}
}

func TestMessageNamePrefersEventOverResponse(t *testing.T) {
	m := &Message{}
	m.Add(HeaderResponse, "Success")
	m.Add(HeaderEvent, "FullyBooted")
	if m.Name() != "FullyBooted" {
		t.Fatalf("Name() = %q, want FullyBooted", m.Name())
	}
}

func TestMessageGetAllReturnsEveryOccurrence(t *testing.T) {
	m := &Message{}
	m.Add("Variable", "a=1")
	m.Add("Variable", "b=2")
	got := m.GetAll("Variable")
	if len(got) != 2 || got[0] != "a=1" || got[1] != "b=2" {
		t.Fatalf("GetAll = %v", got)
	}
	if m.GetAll("Missing") != nil {
		t.Fatalf("GetAll(missing) = %v, want nil", m.GetAll("Missing"))
	}
}

func TestMessageHas(t *testing.T) {
	m := &Message{}
	m.Add("Event", "PeerStatus")
	if !m.Has("Event") {
		t.Fatal("Has(Event) = false")
	}
	if m.Has("Response") {
		t.Fatal("Has(Response) = true, want false")
	}
}

func TestMessageSetReplacesFirstAndLeavesOthers(t *testing.T) {
	m := &Message{}
	m.Add("Response", "Success")
	m.Add("Response", "Follows")
	m.Set("Response", "Error")
	if got := m.Get("Response"); got != "Error" {
		t.Fatalf("Get(Response) = %q", got)
	}
	if len(m.Headers) != 2 || m.Headers[1].Value != "Follows" {
		t.Fatalf("Headers = %v, want [Response: Error, Response: Follows]", m.Headers)
	}
}

func TestMessageSuccess(t *testing.T) {
	cases := []struct {
		response string
		want     bool
	}{
		{ResponseSuccess, true},
		{ResponseFollows, true},
		{"Error", false},
		{"", false},
	}
	for _, c := range cases {
		m := &Message{}
		if c.response != "" {
			m.Add(HeaderResponse, c.response)
		}
		if got := m.Success(); got != c.want {
			t.Errorf("Success() with Response=%q = %v, want %v", c.response, got, c.want)
		}
	}
}

func TestMessageActionIDAndEventName(t *testing.T) {
	m := &Message{}
	m.Add(HeaderActionID, "host-abcde-00000001")
	m.Add(HeaderEvent, "Hangup")
	if m.ActionID() != "host-abcde-00000001" {
		t.Fatalf("ActionID() = %q", m.ActionID())
	}
	if m.EventName() != "Hangup" {
		t.Fatalf("EventName() = %q", m.EventName())
	}
}

func TestMessageBytesPutsActionFirst(t *testing.T) {
	m := &Message{}
	m.Add(HeaderActionID, "host-abcde-00000001")
	m.Add(HeaderAction, "Ping")
	m.Add("Variable", "a=1")

	got := string(m.Bytes())
	want := "Action: Ping\r\nActionID: host-abcde-00000001\r\nVariable: a=1\r\n\r\n"
	if got != want {
		t.Fatalf("Bytes() =\n%q\nwant\n%q", got, want)
	}
}

func TestMessageBytesRepeatsHeaderPerOccurrence(t *testing.T) {
	m := &Message{}
	m.Add(HeaderAction, "Originate")
	m.Add("Variable", "a=1")
	m.Add("Variable", "b=2")

	got := string(m.Bytes())
	want := "Action: Originate\r\nVariable: a=1\r\nVariable: b=2\r\n\r\n"
	if got != want {
		t.Fatalf("Bytes() =\n%q\nwant\n%q", got, want)
	}
}

func TestIsHeaderLineRejectsFragmentTerminators(t *testing.T) {
	if isHeaderLine("Tone: 350+440\n\r\n") {
		t.Fatal("line ending in fakeEOL1 should not be a header line")
	}
	if isHeaderLine("Tone: 350+440\r\r\n") {
		t.Fatal("line ending in fakeEOL2 should not be a header line")
	}
	if isHeaderLine("no colon here\r\n") {
		t.Fatal("line without ':' should not be a header line")
	}
	if !isHeaderLine("Event: FullyBooted\r\n") {
		t.Fatal("well-formed header line should be a header line")
	}
}
