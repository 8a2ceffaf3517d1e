package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/supportdesk/chatsync/internal/chatsync"
	"github.com/supportdesk/chatsync/internal/config"
)

func main() {
	_ = godotenv.Load(".env")

	baseURL := flag.String("base-url", envOrDefault("CHATSYNC_BASE_URL", "http://127.0.0.1:8080"), "chat backend base URL")
	token := flag.String("token", strings.TrimSpace(os.Getenv("CHATSYNC_TOKEN")), "bearer token")
	requestID := flag.Int64("request", int64Env("CHATSYNC_REQUEST_ID", 0), "support request id (0 creates a new one, requires --issue)")
	userID := flag.Int64("user", int64Env("CHATSYNC_USER_ID", 0), "current user id")
	role := flag.String("role", envOrDefault("CHATSYNC_ROLE", "user"), "sender role: user, admin or system")
	issue := flag.String("issue", "", "issue text for a new support request")
	endpointsFile := flag.String("endpoints-file", strings.TrimSpace(os.Getenv("CHATSYNC_ENDPOINTS_FILE")), "YAML endpoints override, hot reloaded")
	interval := flag.Duration("interval", durationEnv("CHATSYNC_POLL_INTERVAL", time.Second), "poll interval")
	timeout := flag.Duration("timeout", durationEnv("CHATSYNC_TIMEOUT", 15*time.Second), "per-request timeout")
	verbose := flag.Bool("verbose", os.Getenv("CHATSYNC_VERBOSE") != "", "debug logging")
	flag.Parse()

	level := slog.LevelWarn
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	if *userID <= 0 {
		fatalf("user is required (--user or CHATSYNC_USER_ID)")
	}
	senderType := chatsync.SenderType(strings.ToLower(strings.TrimSpace(*role)))
	switch senderType {
	case chatsync.SenderUser, chatsync.SenderAdmin, chatsync.SenderSystem:
	default:
		fatalf("unknown role %q", *role)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	httpClient := &http.Client{Timeout: *timeout}

	if *requestID <= 0 {
		if strings.TrimSpace(*issue) == "" {
			fatalf("either --request or --issue is required")
		}
		created, err := createSupportRequest(ctx, httpClient, *baseURL, *token, *userID, *issue)
		if err != nil {
			fatalf("failed to create support request: %v", err)
		}
		fmt.Printf("created support request #%d\n", created)
		*requestID = created
	}

	clockSync := chatsync.NewClockSync(chatsync.RealClock())
	clockSync.OnDrift = func(offset time.Duration) {
		fmt.Fprintf(os.Stderr, "warning: local clock differs from server by %s; timestamps are adjusted\n", offset.Round(time.Second))
	}

	strategy := chatsync.NewEndpointStrategy(chatsync.DefaultEndpoints(*baseURL))
	if *endpointsFile != "" {
		set, err := config.LoadEndpoints(*endpointsFile, *baseURL)
		if err != nil {
			logger.Warn("endpoints file unusable, using defaults", "path", *endpointsFile, "error", err)
		} else {
			strategy.Swap(set)
		}
		watcher, err := config.WatchEndpoints(*endpointsFile, *baseURL, strategy, logger)
		if err != nil {
			logger.Warn("endpoints watcher unavailable", "error", err)
		} else {
			defer watcher.Close()
		}
	}

	client := chatsync.NewHTTPClient(httpClient, *token, clockSync)
	channel := chatsync.NewChannel(client, strategy)

	poller, err := chatsync.NewPoller(chatsync.PollerOptions{
		Conversation: chatsync.ConversationContext{
			RequestID:       *requestID,
			CurrentUserID:   *userID,
			CurrentUserType: senderType,
		},
		Channel:   channel,
		ClockSync: clockSync,
		Logger:    logger,
		Config:    chatsync.Config{Interval: *interval},
		Emit:      printMessage(*userID),
		OnError: func(err error) {
			fmt.Fprintf(os.Stderr, "sync error: %v\n", err)
		},
	})
	if err != nil {
		fatalf("failed to build poller: %v", err)
	}

	if err := poller.Start(ctx); err != nil {
		fatalf("failed to load conversation: %v", err)
	}
	defer poller.Stop()

	fmt.Println("connected; type a message and press enter (ctrl-d to quit)")
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			fmt.Println("\ndisconnecting")
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			body := strings.TrimSpace(line)
			if body == "" {
				continue
			}
			sendCtx, cancel := context.WithTimeout(ctx, *timeout)
			_, err := poller.Send(sendCtx, body)
			cancel()
			if err != nil {
				fmt.Fprintf(os.Stderr, "send failed: %v\n", err)
			}
		}
	}
}

// printMessage renders one transcript line. Optimistic echoes from this
// user are marked until the server confirms them; the confirmation
// reuses the echo's key so a richer UI could replace the line in place.
func printMessage(currentUserID int64) func(chatsync.Message) {
	return func(m chatsync.Message) {
		stamp := m.Timestamp
		if t, ok := chatsync.ParseTimestamp(m.Timestamp); ok {
			stamp = t.Local().Format("15:04:05")
		}
		marker := ""
		if m.Unconfirmed {
			marker = " (sending...)"
		} else if m.LocalKey != "" {
			marker = " (delivered)"
		}
		who := fmt.Sprintf("%s#%d", m.SenderType, m.SenderID)
		if m.SenderID == currentUserID {
			who = "you"
		}
		fmt.Printf("[%s] %s: %s%s\n", stamp, who, m.Body, marker)
	}
}

func createSupportRequest(ctx context.Context, httpClient *http.Client, baseURL, token string, userID int64, issue string) (int64, error) {
	payload, err := json.Marshal(map[string]any{"user_id": userID, "issue": issue})
	if err != nil {
		return 0, err
	}
	target := strings.TrimRight(baseURL, "/") + "/api/support/support-request"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(payload))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return 0, fmt.Errorf("backend returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	var created struct {
		RequestID int64 `json:"request_id"`
	}
	if err := json.Unmarshal(body, &created); err != nil {
		return 0, err
	}
	if created.RequestID <= 0 {
		return 0, fmt.Errorf("backend did not return a request id")
	}
	return created.RequestID, nil
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}

func envOrDefault(name, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(name)); value != "" {
		return value
	}
	return fallback
}

func int64Env(name string, fallback int64) int64 {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return fallback
	}
	return value
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		return fallback
	}
	return value
}
