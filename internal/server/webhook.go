package server

import (
	"crypto/hmac"
	"crypto/sha1" // #nosec G505 -- sha1 accepted for legacy CI webhook signers
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"hash"
	"io"
	"log/slog"
	"math"
	"net"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"git.home.luguber.info/inful/cifixer/internal/events"
	"git.home.luguber.info/inful/cifixer/internal/logfields"
	"git.home.luguber.info/inful/cifixer/internal/pipeline"
	"git.home.luguber.info/inful/cifixer/internal/store"
)

// webhookRequest is the ingress payload a CI system posts on build failure.
type webhookRequest struct {
	Job         string `json:"job"`
	BuildNumber int    `json:"build_number"`
	Branch      string `json:"branch"`
	RepoURL     string `json:"repo_url"`
	CommitSHA   string `json:"commit_sha"`
	SCM         string `json:"scm,omitempty"`
	BuildLogs   string `json:"build_logs,omitempty"`
}

const (
	headerSignature = "X-CI-Signature"
	headerTimestamp = "X-CI-Timestamp"
)

var (
	jobRe    = regexp.MustCompile(`^[A-Za-z0-9._-]+$`)
	branchRe = regexp.MustCompile(`^[A-Za-z0-9._/-]+$`)
	shaRe    = regexp.MustCompile(`^[0-9a-fA-F]{7,40}$`)

	blockedHosts = map[string]bool{
		"localhost":       true,
		"127.0.0.1":       true,
		"0.0.0.0":         true,
		"::1":             true,
		"169.254.169.254": true,
	}
	allowedSchemes = map[string]bool{"https": true, "http": true, "git": true, "ssh": true}
)

// handleWebhook ingests one failed build: authenticate, validate, persist the
// build, enqueue the entry task.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, s.maxLogBytes+64<<10))
	if err != nil {
		s.recorder.IncWebhookResult("error")
		s.writeError(w, http.StatusBadRequest, "unreadable body")
		return
	}

	if status, reason := s.authenticate(r, body); status != 0 {
		s.recorder.IncWebhookResult("unauthorized")
		s.writeError(w, status, reason)
		return
	}

	var req webhookRequest
	if err := json.Unmarshal(body, &req); err != nil {
		s.recorder.IncWebhookResult("rejected")
		s.writeError(w, http.StatusBadRequest, "malformed json")
		return
	}
	if reason := validateWebhook(&req, s.maxLogBytes); reason != "" {
		s.recorder.IncWebhookResult("rejected")
		s.writeError(w, http.StatusBadRequest, reason)
		return
	}

	build, err := s.store.CreateBuild(&pipeline.Build{
		Job:         req.Job,
		BuildNumber: req.BuildNumber,
		Branch:      req.Branch,
		RepoURL:     req.RepoURL,
		CommitSHA:   strings.ToLower(req.CommitSHA),
		Payload:     body,
	})
	if errors.Is(err, store.ErrDuplicateBuild) {
		s.recorder.IncWebhookResult("duplicate")
		s.writeError(w, http.StatusConflict, "build already ingested")
		return
	}
	if err != nil {
		slog.Error("build ingestion failed", logfields.Job(req.Job), logfields.Error(err))
		s.recorder.IncWebhookResult("error")
		s.writeError(w, http.StatusInternalServerError, "storage error")
		return
	}

	payload := pipeline.Payload{
		pipeline.KeyRepoURL:   req.RepoURL,
		pipeline.KeyBranch:    req.Branch,
		pipeline.KeyCommitSHA: strings.ToLower(req.CommitSHA),
		pipeline.KeyBuildLogs: req.BuildLogs,
		pipeline.KeySCM:       req.SCM,
	}
	if _, err := s.store.Enqueue(build.ID, pipeline.EntryKind, payload, s.defaultMaxAttempts); err != nil {
		slog.Error("entry task enqueue failed", logfields.BuildID(build.ID), logfields.Error(err))
		s.recorder.IncWebhookResult("error")
		s.writeError(w, http.StatusInternalServerError, "storage error")
		return
	}

	slog.Info("build accepted",
		logfields.BuildID(build.ID), logfields.Job(req.Job),
		logfields.BuildNumber(req.BuildNumber), logfields.Branch(req.Branch))
	s.recorder.IncWebhookResult("accepted")
	s.publisher.Publish(events.Event{Type: "build.accepted", BuildID: build.ID})
	s.writeJSON(w, http.StatusOK, map[string]any{"build_id": build.ID})
}

// authenticate checks the optional HMAC signature and replay timestamp.
// Returns a non-zero status plus reason on rejection.
func (s *Server) authenticate(r *http.Request, body []byte) (int, string) {
	sig := r.Header.Get(headerSignature)
	if sig == "" {
		if s.signatureRequired {
			return http.StatusUnauthorized, "signature required"
		}
		return 0, ""
	}
	if s.signatureSecret == "" {
		return http.StatusUnauthorized, "signature presented but no secret configured"
	}

	var mac hash.Hash
	var provided string
	switch {
	case strings.HasPrefix(sig, "sha256="):
		mac = hmac.New(sha256.New, []byte(s.signatureSecret))
		provided = strings.TrimPrefix(sig, "sha256=")
	case strings.HasPrefix(sig, "sha1="):
		mac = hmac.New(sha1.New, []byte(s.signatureSecret))
		provided = strings.TrimPrefix(sig, "sha1=")
	default:
		return http.StatusUnauthorized, "unsupported signature algorithm"
	}

	decoded, err := hex.DecodeString(provided)
	if err != nil {
		return http.StatusUnauthorized, "malformed signature"
	}
	mac.Write(body)
	if !hmac.Equal(mac.Sum(nil), decoded) {
		return http.StatusUnauthorized, "signature mismatch"
	}

	if ts := r.Header.Get(headerTimestamp); ts != "" {
		sent, err := strconv.ParseInt(ts, 10, 64)
		if err != nil {
			return http.StatusUnauthorized, "malformed timestamp"
		}
		skew := math.Abs(float64(s.now().Unix() - sent))
		if skew > s.maxSkew.Seconds() {
			return http.StatusUnauthorized, "timestamp outside accepted window"
		}
	}
	return 0, ""
}

// validateWebhook enforces the ingress field rules. Returns "" when valid.
func validateWebhook(req *webhookRequest, maxLogBytes int64) string {
	if req.Job == "" || len(req.Job) > 100 || !jobRe.MatchString(req.Job) {
		return "invalid job"
	}
	if req.BuildNumber <= 0 {
		return "invalid build_number"
	}
	if req.Branch == "" || len(req.Branch) > 200 || !branchRe.MatchString(req.Branch) ||
		strings.Contains(req.Branch, "..") ||
		strings.HasPrefix(req.Branch, "/") || strings.HasSuffix(req.Branch, "/") {
		return "invalid branch"
	}
	if reason := validateRepoURL(req.RepoURL); reason != "" {
		return reason
	}
	if !shaRe.MatchString(req.CommitSHA) {
		return "invalid commit_sha"
	}
	if int64(len(req.BuildLogs)) > maxLogBytes {
		return fmt.Sprintf("build_logs exceeds %d bytes", maxLogBytes)
	}
	return ""
}

func validateRepoURL(raw string) string {
	if raw == "" || len(raw) > 500 {
		return "invalid repo_url"
	}
	u, err := url.Parse(raw)
	if err != nil || !allowedSchemes[u.Scheme] {
		return "invalid repo_url scheme"
	}
	host := u.Hostname()
	if host == "" || blockedHosts[strings.ToLower(host)] {
		return "repo_url host not allowed"
	}
	if ip := net.ParseIP(host); ip != nil {
		if ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() || ip.IsUnspecified() {
			return "repo_url host not allowed"
		}
	}
	return ""
}
