package integration

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/kagenti/mcp-orchestrator/internal/broadcast"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

type emptyStatusSource struct{}

func (emptyStatusSource) Snapshot() []broadcast.McpStatus { return nil }

// dial opens a dashboard WebSocket connection to srv and sends a subscribe
// action for eventTypes/filters.
func dial(srv *httptest.Server, eventTypes []string, filters map[string]any) *websocket.Conn {
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/status"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	Expect(err).NotTo(HaveOccurred())

	// Drain the initial_status envelope every accepted connection receives.
	_, _, err = conn.ReadMessage()
	Expect(err).NotTo(HaveOccurred())

	sub := map[string]any{"action": "subscribe", "event_types": eventTypes, "filters": filters}
	raw, _ := json.Marshal(sub)
	Expect(conn.WriteMessage(websocket.TextMessage, raw)).To(Succeed())

	// Drain the "subscribed" ack.
	_, _, err = conn.ReadMessage()
	Expect(err).NotTo(HaveOccurred())
	return conn
}

func readEnvelope(conn *websocket.Conn, timeout time.Duration) (map[string]any, bool) {
	_ = conn.SetReadDeadline(time.Now().Add(timeout))
	_, raw, err := conn.ReadMessage()
	if err != nil {
		return nil, false
	}
	var env map[string]any
	_ = json.Unmarshal(raw, &env)
	return env, true
}

// Per-connection subscription filtering on the dashboard WebSocket feed
// (spec.md §8 S6): two clients subscribed to different mcp_names only
// receive the events matching their own filter.
var _ = Describe("dashboard broadcast subscription filtering", func() {
	var (
		b   *broadcast.Broadcaster
		srv *httptest.Server
	)

	BeforeEach(func() {
		logger := slog.New(slog.NewTextHandler(GinkgoWriter, nil))
		b = broadcast.New([]string{"admin"}, logger, broadcast.WithStatusSource(emptyStatusSource{}))

		mux := http.NewServeMux()
		mux.HandleFunc("/ws/status", func(w http.ResponseWriter, r *http.Request) {
			role := r.URL.Query().Get("role")
			if role == "" {
				role = "admin"
			}
			b.HandleUpgrade(w, r, "u1", role)
		})
		srv = httptest.NewServer(mux)
	})

	AfterEach(func() { srv.Close(); b.Stop() })

	It("delivers an event only to the connection whose filter matches", func() {
		connA := dial(srv, []string{"circuit_state_change"}, map[string]any{"mcp_names": []string{"A"}})
		defer func() { _ = connA.Close() }()
		connB := dial(srv, []string{"circuit_state_change"}, map[string]any{"mcp_names": []string{"B"}})
		defer func() { _ = connB.Close() }()

		b.BroadcastEvent("circuit_state_change", map[string]any{"mcp_name": "A", "circuit_state": "open"})

		envA, ok := readEnvelope(connA, 2*time.Second)
		Expect(ok).To(BeTrue())
		Expect(envA["type"]).To(Equal("circuit_state_change"))

		_, ok = readEnvelope(connB, 300*time.Millisecond)
		Expect(ok).To(BeFalse(), "connection B should not receive an event for mcp A")
	})

	It("rejects a connection from a role outside the allowlist", func() {
		url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/status?role=viewer"
		conn, _, err := websocket.DefaultDialer.Dial(url, nil)
		Expect(err).NotTo(HaveOccurred())
		defer func() { _ = conn.Close() }()

		_, _, err = conn.ReadMessage()
		Expect(err).To(HaveOccurred())
		closeErr, ok := err.(*websocket.CloseError)
		Expect(ok).To(BeTrue())
		Expect(closeErr.Code).To(Equal(websocket.ClosePolicyViolation))
	})
})
