package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/straja-ai/phiwatch/internal/activation"
	"github.com/straja-ai/phiwatch/internal/redact"
)

func main() {
	addr := flag.String("addr", ":8099", "listen address for the alert receiver")
	flag.Parse()

	mux := http.NewServeMux()
	mux.HandleFunc("/alerts", handleAlert)
	mux.HandleFunc("/", handleAlert)

	srv := &http.Server{
		Addr:              *addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	log.Printf("alert receiver listening on %s (POST JSON to /alerts)...", *addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("receiver error: %v", err)
	}
}

func handleAlert(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	body, _ := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	_ = r.Body.Close()

	var ev activation.Event
	if err := json.Unmarshal(body, &ev); err != nil {
		log.Printf("received non-event payload: path=%s len=%d\n%s", r.URL.Path, len(body), redact.String(string(body)))
	} else {
		log.Printf("received %s event=%s alert=%s type=%s severity=%s status=%s model=%q title=%q",
			ev.Kind, ev.EventID, ev.Alert.ID, ev.Alert.AlertType, ev.Alert.Severity, ev.Alert.Status, ev.Alert.RelatedModel, ev.Alert.Title)
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintln(w, `{"status":"ok"}`)
}
