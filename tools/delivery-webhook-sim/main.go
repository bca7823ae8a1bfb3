package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Posts a simulated delivery-task completion event to a local billing
// service. Rerun with -event-id to exercise the replay path.
func main() {
	var (
		baseURL     = flag.String("base-url", getenv("BASE_URL", "http://localhost:8084"), "billing service base url")
		appointment = flag.String("appointment-id", getenv("APPOINTMENT_ID", ""), "appointment to complete")
		eventID     = flag.String("event-id", "", "provider event id (random when empty)")
		completedAt = flag.String("completed-at", "", "task completion time, RFC3339 (now when empty)")
	)
	flag.Parse()

	if strings.TrimSpace(*appointment) == "" {
		fatal("APPOINTMENT_ID is required")
	}

	evtID := strings.TrimSpace(*eventID)
	if evtID == "" {
		evtID = "evt_sim_" + uuid.NewString()
	}

	completed := time.Now().UTC()
	if strings.TrimSpace(*completedAt) != "" {
		t, err := time.Parse(time.RFC3339, *completedAt)
		if err != nil {
			fatal("invalid -completed-at: " + err.Error())
		}
		completed = t.UTC()
	}

	payload, err := json.Marshal(map[string]any{
		"event_id":       evtID,
		"appointment_id": strings.TrimSpace(*appointment),
		"task": map[string]any{
			"completed_at": completed.Format(time.RFC3339),
		},
	})
	if err != nil {
		fatal(err.Error())
	}

	url := strings.TrimRight(*baseURL, "/") + "/api/v1/billing/webhooks/delivery-task"
	resp, err := http.Post(url, "application/json", bytes.NewReader(payload))
	if err != nil {
		fatal(err.Error())
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	fmt.Printf("event_id=%s status=%d\n%s\n", evtID, resp.StatusCode, strings.TrimSpace(string(body)))
}

func getenv(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func fatal(msg string) {
	fmt.Fprintln(os.Stderr, msg)
	os.Exit(1)
}
