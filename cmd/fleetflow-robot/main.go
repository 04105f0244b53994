// fleetflow-robot is a reference agent: it registers with the orchestrator,
// heartbeats, claims work, executes payloads and reports results. One job at a
// time, lease renewed at half the job timeout.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func main() {
	var (
		server   = flag.String("server", "http://localhost:8080", "orchestrator base URL")
		token    = flag.String("token", "", "bearer token with robot scope")
		hostname = flag.String("hostname", "", "robot hostname (defaults to os.Hostname)")
		caps     = flag.String("capabilities", "shell,http", "comma-separated capabilities")
		modes    = flag.String("modes", "local-network,internet", "comma-separated execution modes")
		poll     = flag.Duration("poll", 2*time.Second, "claim poll interval")
		beat     = flag.Duration("heartbeat", 10*time.Second, "heartbeat interval")
	)
	flag.Parse()

	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout})

	if *token == "" {
		log.Fatal().Msg("-token is required")
	}
	host := *hostname
	if host == "" {
		host, _ = os.Hostname()
	}

	agent := &agent{
		client:   &http.Client{Timeout: 30 * time.Second},
		baseURL:  strings.TrimRight(*server, "/"),
		token:    *token,
		hostname: host,
		caps:     splitList(*caps),
		modes:    splitList(*modes),
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := agent.register(ctx); err != nil {
		log.Fatal().Err(err).Msg("register")
	}
	log.Info().Str("robot_id", agent.robotID).Str("hostname", host).Msg("registered")

	go agent.heartbeatLoop(ctx, *beat)

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-c
		log.Info().Msg("shutting down")
		cancel()
	}()

	agent.claimLoop(ctx, *poll)
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

type agent struct {
	client   *http.Client
	baseURL  string
	token    string
	hostname string
	caps     []string
	modes    []string
	robotID  string
	busy     bool
}

type claimedJob struct {
	ID          string          `json:"id"`
	WorkflowID  string          `json:"workflow_id"`
	Payload     json.RawMessage `json:"payload"`
	TimeoutSecs int             `json:"timeout_secs"`
}

func (a *agent) register(ctx context.Context) error {
	var resp struct {
		ID string `json:"id"`
	}
	err := a.post(ctx, "/api/robots", map[string]any{
		"hostname":     a.hostname,
		"capabilities": a.caps,
		"tags":         []string{"agent"},
		"max_jobs":     1,
	}, &resp)
	if err != nil {
		return err
	}
	a.robotID = resp.ID
	return nil
}

func (a *agent) heartbeatLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			status := "online"
			jobs := 0
			if a.busy {
				status = "busy"
				jobs = 1
			}
			var ack struct {
				Known bool `json:"known"`
			}
			err := a.post(ctx, "/api/robots/"+a.robotID+"/heartbeat", map[string]any{
				"status":    status,
				"job_count": jobs,
				"metrics":   map[string]string{},
			}, &ack)
			if err != nil {
				log.Warn().Err(err).Msg("heartbeat failed")
				continue
			}
			if !ack.Known {
				// Orchestrator lost us; register again under a fresh id.
				if err := a.register(ctx); err != nil {
					log.Error().Err(err).Msg("re-register failed")
				} else {
					log.Info().Str("robot_id", a.robotID).Msg("re-registered")
				}
			}
		}
	}
}

func (a *agent) claimLoop(ctx context.Context, poll time.Duration) {
	ticker := time.NewTicker(poll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			job, err := a.claim(ctx)
			if err != nil {
				log.Warn().Err(err).Msg("claim failed")
				continue
			}
			if job == nil {
				continue
			}
			a.busy = true
			a.run(ctx, *job)
			a.busy = false
		}
	}
}

func (a *agent) claim(ctx context.Context) (*claimedJob, error) {
	body, _ := json.Marshal(map[string]any{"modes": a.modes})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		a.baseURL+"/api/robots/"+a.robotID+"/claim", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+a.token)
	req.Header.Set("Content-Type", "application/json")
	resp, err := a.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	switch resp.StatusCode {
	case http.StatusNoContent:
		return nil, nil
	case http.StatusOK:
		var job claimedJob
		if err := json.NewDecoder(resp.Body).Decode(&job); err != nil {
			return nil, err
		}
		return &job, nil
	}
	return nil, fmt.Errorf("claim: unexpected status %d", resp.StatusCode)
}

func (a *agent) run(ctx context.Context, job claimedJob) {
	log.Info().Str("job_id", job.ID).Str("workflow_id", job.WorkflowID).Msg("job claimed")

	if err := a.post(ctx, "/api/jobs/"+job.ID+"/start", map[string]any{"robot_id": a.robotID}, nil); err != nil {
		log.Error().Err(err).Str("job_id", job.ID).Msg("start report failed")
		return
	}

	timeout := time.Duration(job.TimeoutSecs) * time.Second
	if timeout <= 0 {
		timeout = time.Minute
	}
	jobCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	// Renew the lease until the job settles. A rejected renewal means the
	// orchestrator cancelled or reassigned the job: stop working on it.
	go func() {
		ticker := time.NewTicker(timeout / 2)
		defer ticker.Stop()
		for {
			select {
			case <-jobCtx.Done():
				return
			case <-ticker.C:
				err := a.post(jobCtx, "/api/jobs/"+job.ID+"/extend", map[string]any{"robot_id": a.robotID}, nil)
				if err != nil {
					log.Warn().Err(err).Str("job_id", job.ID).Msg("lease renewal rejected, abandoning job")
					cancel()
					return
				}
			}
		}
	}()

	exec, err := executorFor(job.Payload)
	if err != nil {
		a.fail(ctx, job.ID, err)
		return
	}
	result, err := exec.Execute(jobCtx, job.Payload)
	if err != nil {
		a.fail(ctx, job.ID, err)
		return
	}

	err = a.post(ctx, "/api/jobs/"+job.ID+"/complete", map[string]any{
		"robot_id": a.robotID,
		"result":   json.RawMessage(result),
	}, nil)
	if err != nil {
		log.Error().Err(err).Str("job_id", job.ID).Msg("completion report failed")
		return
	}
	log.Info().Str("job_id", job.ID).Msg("job completed")
}

func (a *agent) fail(ctx context.Context, jobID string, jobErr error) {
	log.Warn().Err(jobErr).Str("job_id", jobID).Msg("job failed")
	err := a.post(ctx, "/api/jobs/"+jobID+"/fail", map[string]any{
		"robot_id": a.robotID,
		"error":    jobErr.Error(),
	}, nil)
	if err != nil {
		log.Error().Err(err).Str("job_id", jobID).Msg("failure report failed")
	}
}

func (a *agent) post(ctx context.Context, path string, body, out any) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+path, bytes.NewReader(raw))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+a.token)
	req.Header.Set("Content-Type", "application/json")
	resp, err := a.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("%s: status %d", path, resp.StatusCode)
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}
