package node

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/callstorm/callstorm/internal/esl"
)

// cmdServer speaks just enough of the protocol to ack session commands while
// recording every packet the client writes.
type cmdServer struct {
	ln      net.Listener
	packets chan string

	mu      sync.Mutex
	apiBody func(cmd string) string
	all     []net.Conn
	wg      sync.WaitGroup
}

func newCmdServer(t *testing.T) *cmdServer {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	s := &cmdServer{ln: ln, packets: make(chan string, 64)}
	s.wg.Add(1)
	go s.acceptLoop()
	t.Cleanup(func() {
		ln.Close()
		s.mu.Lock()
		for _, c := range s.all {
			c.Close()
		}
		s.mu.Unlock()
		s.wg.Wait()
	})
	return s
}

func (s *cmdServer) setAPIBody(fn func(cmd string) string) {
	s.mu.Lock()
	s.apiBody = fn
	s.mu.Unlock()
}

func (s *cmdServer) apiResponse(cmd string) string {
	s.mu.Lock()
	fn := s.apiBody
	s.mu.Unlock()
	if fn == nil {
		return "+OK\n"
	}
	return fn(cmd)
}

func (s *cmdServer) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}
		s.mu.Lock()
		s.all = append(s.all, conn)
		s.mu.Unlock()
		s.wg.Add(1)
		go s.serve(conn)
	}
}

func (s *cmdServer) serve(conn net.Conn) {
	defer s.wg.Done()
	defer conn.Close()

	conn.Write([]byte("Content-Type: auth/request\n\n"))
	r := bufio.NewReader(conn)
	for {
		packet, err := readCmdPacket(r)
		if err != nil {
			return
		}
		select {
		case s.packets <- packet:
		default:
		}
		switch {
		case strings.HasPrefix(packet, "auth "):
			conn.Write([]byte("Content-Type: command/reply\nReply-Text: +OK accepted\n\n"))
		case strings.HasPrefix(packet, "api "):
			body := s.apiResponse(strings.TrimSpace(strings.TrimPrefix(packet, "api ")))
			fmt.Fprintf(conn, "Content-Type: api/response\nContent-Length: %d\n\n%s", len(body), body)
		case strings.HasPrefix(packet, "exit"):
			conn.Write([]byte("Content-Type: command/reply\nReply-Text: +OK bye\n\n"))
			return
		default:
			conn.Write([]byte("Content-Type: command/reply\nReply-Text: +OK\n\n"))
		}
	}
}

func readCmdPacket(r *bufio.Reader) (string, error) {
	var b strings.Builder
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return "", err
		}
		if line == "\n" {
			return b.String(), nil
		}
		b.WriteString(line)
	}
}

// testSession dials the command server and wraps the link in a session. The
// auth packet is drained so tests observe command packets only.
func testSession(t *testing.T, s *cmdServer) (*Session, chan string) {
	t.Helper()
	host, portStr, err := net.SplitHostPort(s.ln.Addr().String())
	if err != nil {
		t.Fatalf("split listener addr: %v", err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		t.Fatalf("parse listener port: %v", err)
	}
	conn, err := esl.Dial(context.Background(), host, port, "ClueCon", esl.Options{})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	select {
	case <-s.packets:
	case <-time.After(2 * time.Second):
		t.Fatal("auth packet never arrived")
	}
	sess := NewSession(chanEvent("CHANNEL_CREATE", "abcdabcd-1111-2222-3333-444455556666", nil), conn, nil)
	return sess, s.packets
}

func nextNodePacket(t *testing.T, packets chan string) string {
	t.Helper()
	select {
	case p := <-packets:
		return p
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a packet")
		return ""
	}
}

func sendmsgPacket(uuid, app, arg string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "sendmsg %s\ncall-command: execute\nexecute-app-name: %s\n", uuid, app)
	if arg != "" {
		fmt.Fprintf(&b, "execute-app-arg: %s\n", arg)
	}
	b.WriteString("loops: 1\n")
	return b.String()
}

func TestSessionCommandStrings(t *testing.T) {
	srv := newCmdServer(t)
	sess, packets := testSession(t, srv)
	ctx := context.Background()
	u := sess.UUID()

	tests := []struct {
		name string
		run  func() error
		want []string
	}{
		{
			name: "answer",
			run:  func() error { _, err := sess.Answer(ctx); return err },
			want: []string{"api uuid_answer " + u + "\n"},
		},
		{
			name: "hangup default cause",
			run:  func() error { _, err := sess.Hangup(ctx, ""); return err },
			want: []string{"api uuid_kill " + u + " NORMAL_CLEARING\n"},
		},
		{
			name: "hangup explicit cause",
			run:  func() error { _, err := sess.Hangup(ctx, "USER_BUSY"); return err },
			want: []string{"api uuid_kill " + u + " USER_BUSY\n"},
		},
		{
			name: "park",
			run:  func() error { _, err := sess.Park(ctx); return err },
			want: []string{"api uuid_park " + u + "\n"},
		},
		{
			name: "sched hangup",
			run:  func() error { return sess.SchedHangup(ctx, 65*time.Second, "") },
			want: []string{"api sched_hangup +65 " + u + " NORMAL_CLEARING\n"},
		},
		{
			name: "clear tasks",
			run:  func() error { return sess.ClearTasks(ctx) },
			want: []string{"api sched_del " + u + "\n"},
		},
		{
			name: "sched dtmf",
			run:  func() error { return sess.SchedDTMF(ctx, time.Second, "1234") },
			want: []string{"api sched_api +1 none uuid_send_dtmf " + u + " 1234\n"},
		},
		{
			name: "send dtmf default duration",
			run:  func() error { return sess.SendDTMF(ctx, "55", "") },
			want: []string{"api uuid_send_dtmf " + u + " 55 @w\n"},
		},
		{
			name: "break media",
			run:  func() error { return sess.BreakMedia(ctx) },
			want: []string{"api uuid_break " + u + "\n"},
		},
		{
			name: "set var",
			run:  func() error { return sess.SetVar(ctx, "foo", "bar") },
			want: []string{sendmsgPacket(u, "set", "foo=bar")},
		},
		{
			name: "set vars sorted",
			run:  func() error { return sess.SetVars(ctx, map[string]string{"b": "2", "a": "1"}) },
			want: []string{"api uuid_setvar_multi " + u + " a=1;b=2\n"},
		},
		{
			name: "unset var",
			run:  func() error { return sess.UnsetVar(ctx, "foo") },
			want: []string{sendmsgPacket(u, "unset", "foo")},
		},
		{
			name: "playback single file",
			run:  func() error { return sess.Playback(ctx, nil, false, "ivr/welcome.wav") },
			want: []string{sendmsgPacket(u, "playback", "ivr/welcome.wav")},
		},
		{
			name: "endless playback with params",
			run: func() error {
				return sess.Playback(ctx, map[string]string{"vol": "2"}, true, "tone_stream://%(251,0,1004)")
			},
			want: []string{sendmsgPacket(u, "endless_playback", "{vol=2}tone_stream://%(251,0,1004)")},
		},
		{
			name: "playback several files sets delimiter",
			run:  func() error { return sess.Playback(ctx, nil, false, "a.wav", "b.wav") },
			want: []string{
				sendmsgPacket(u, "set", "playback_delimiter=;"),
				sendmsgPacket(u, "playback", "a.wav;b.wav"),
			},
		},
		{
			name: "start stereo record",
			run:  func() error { return sess.StartRecord(ctx, "/tmp/rec.wav", false, true, 0) },
			want: []string{
				sendmsgPacket(u, "set", "RECORD_STEREO=true"),
				sendmsgPacket(u, "set", "record_sample_rate=16000"),
				sendmsgPacket(u, "record_session", "/tmp/rec.wav"),
			},
		},
		{
			name: "stop record all",
			run:  func() error { return sess.StopRecord(ctx, "", 0) },
			want: []string{sendmsgPacket(u, "stop_record_session", "all")},
		},
		{
			name: "stop record delayed",
			run:  func() error { return sess.StopRecord(ctx, "/tmp/rec.wav", 2*time.Second) },
			want: []string{sendmsgPacket(u, "sched_api", "+2 none stop_record_session /tmp/rec.wav")},
		},
		{
			name: "uuid record",
			run:  func() error { return sess.Record(ctx, "start", "/tmp/rec.wav") },
			want: []string{"api uuid_record " + u + " start /tmp/rec.wav\n"},
		},
		{
			name: "broadcast",
			run:  func() error { return sess.Broadcast(ctx, "sleep:5000", "both", 0) },
			want: []string{"api uuid_broadcast " + u + " sleep:5000 both\n"},
		},
		{
			name: "scheduled broadcast",
			run:  func() error { return sess.Broadcast(ctx, "sleep:5000", "both", 3*time.Second) },
			want: []string{"api sched_broadcast +3 " + u + " sleep:5000 both\n"},
		},
		{
			name: "echo",
			run:  func() error { return sess.Echo(ctx) },
			want: []string{sendmsgPacket(u, "echo", "")},
		},
		{
			name: "speak",
			run:  func() error { return sess.Speak(ctx, "hello there") },
			want: []string{sendmsgPacket(u, "speak", "flite|kal|hello there|")},
		},
		{
			name: "bridge with proxy",
			run: func() error {
				return sess.Bridge(ctx, BridgeOptions{
					DestURL: "1002@10.10.8.21",
					Profile: "external",
					Proxy:   "10.10.8.88:5060",
				})
			},
			want: []string{sendmsgPacket(u, "bridge", "sofia/external/1002@10.10.8.21;fs_path=sip:10.10.8.88:5060")},
		},
		{
			name: "bridge through gateway",
			run: func() error {
				return sess.Bridge(ctx, BridgeOptions{DestURL: "1002@10.10.8.21", Gateway: "upstream"})
			},
			want: []string{sendmsgPacket(u, "bridge", "sofia/gateway/upstream/1002@10.10.8.21")},
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if err := tc.run(); err != nil {
				t.Fatalf("command failed: %v", err)
			}
			for _, want := range tc.want {
				if got := nextNodePacket(t, packets); got != want {
					t.Fatalf("packet = %q, want %q", got, want)
				}
			}
		})
	}
}

func TestSessionGetVar(t *testing.T) {
	srv := newCmdServer(t)
	srv.setAPIBody(func(cmd string) string {
		if strings.HasSuffix(cmd, " missing") {
			return "_undef_\n"
		}
		return "bar\n"
	})
	sess, packets := testSession(t, srv)
	ctx := context.Background()

	got, err := sess.GetVar(ctx, "foo")
	if err != nil {
		t.Fatalf("GetVar: %v", err)
	}
	if got != "bar" {
		t.Errorf("GetVar = %q, want bar", got)
	}
	if p := nextNodePacket(t, packets); p != "api uuid_getvar "+sess.UUID()+" foo\n" {
		t.Errorf("packet = %q", p)
	}

	got, err = sess.GetVar(ctx, "missing")
	if err != nil {
		t.Fatalf("GetVar missing: %v", err)
	}
	if got != "" {
		t.Errorf("unset variable = %q, want empty", got)
	}
}

func TestSessionStateAccessors(t *testing.T) {
	create := chanEvent("CHANNEL_CREATE", "hist-uuid", map[string]string{
		"Call-Direction":       "inbound",
		"variable_sip_req_uri": "1002@10.10.8.21",
	})
	sess := NewSession(create, nil, nil)

	if !sess.Time("create").Equal(create.Timestamp()) {
		t.Errorf("create time = %v, want %v", sess.Time("create"), create.Timestamp())
	}
	if !sess.IsInbound() || sess.IsOutbound() {
		t.Error("direction accessors wrong")
	}

	sess.Update(chanEvent("CHANNEL_ANSWER", "hist-uuid", map[string]string{"Answer-State": "answered"}))
	if got := sess.Get("Answer-State"); got != "answered" {
		t.Errorf("Answer-State = %q", got)
	}
	// Older values stay reachable when newer events omit the header.
	if got := sess.Get("Call-Direction"); got != "inbound" {
		t.Errorf("Call-Direction = %q", got)
	}
	if got := sess.Variable("sip_req_uri"); got != "1002@10.10.8.21" {
		t.Errorf("sip_req_uri = %q", got)
	}

	for i := 0; i < maxSessionHistory+10; i++ {
		sess.Update(chanEvent("CHANNEL_PARK", "hist-uuid", nil))
	}
	sess.mu.Lock()
	n := len(sess.history)
	sess.mu.Unlock()
	if n != maxSessionHistory {
		t.Errorf("history length = %d, want %d", n, maxSessionHistory)
	}
}

func TestSessionPoll(t *testing.T) {
	newSess := func() *Session {
		return NewSession(chanEvent("CHANNEL_CREATE", "poll-uuid", nil), nil, nil)
	}

	t.Run("first arrival wins", func(t *testing.T) {
		sess := newSess()
		go func() {
			time.Sleep(20 * time.Millisecond)
			sess.completeRecv("CHANNEL_ANSWER", esl.Event{"Event-Name": "CHANNEL_ANSWER"})
		}()
		evs, err := sess.Poll(context.Background(), time.Second, PollFirst, "CHANNEL_ANSWER", "CHANNEL_HANGUP")
		if err != nil {
			t.Fatalf("Poll: %v", err)
		}
		if len(evs) != 1 || evs[0].Name() != "CHANNEL_ANSWER" {
			t.Fatalf("Poll = %v", evs)
		}
	})

	t.Run("all must arrive", func(t *testing.T) {
		sess := newSess()
		go func() {
			time.Sleep(10 * time.Millisecond)
			sess.completeRecv("CHANNEL_ANSWER", esl.Event{"Event-Name": "CHANNEL_ANSWER"})
			sess.completeRecv("CHANNEL_HANGUP", esl.Event{"Event-Name": "CHANNEL_HANGUP"})
		}()
		evs, err := sess.Poll(context.Background(), time.Second, PollAll, "CHANNEL_ANSWER", "CHANNEL_HANGUP")
		if err != nil {
			t.Fatalf("Poll: %v", err)
		}
		if len(evs) != 2 {
			t.Fatalf("Poll returned %d events, want 2", len(evs))
		}
	})

	t.Run("timeout", func(t *testing.T) {
		sess := newSess()
		_, err := sess.Poll(context.Background(), 50*time.Millisecond, PollAll, "CHANNEL_ANSWER")
		var tErr *esl.TimeoutError
		if !errors.As(err, &tErr) {
			t.Fatalf("Poll error = %v, want TimeoutError", err)
		}
	})

	t.Run("no names", func(t *testing.T) {
		sess := newSess()
		_, err := sess.Poll(context.Background(), time.Second, PollAll)
		var cfgErr *esl.ConfigurationError
		if !errors.As(err, &cfgErr) {
			t.Fatalf("Poll error = %v, want ConfigurationError", err)
		}
	})
}
