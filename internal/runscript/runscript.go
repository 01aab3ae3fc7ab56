// Package runscript generates the self-contained shell program a sandbox runs
// unattended: setup, clone, branch checkout, agent run and signed callbacks.
package runscript

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// DefaultProgressInterval is how often the script reports progress while the agent runs.
const DefaultProgressInterval = 30 * time.Second

// DefaultSetupScript installs the agent runtime when it is missing.
const DefaultSetupScript = `if ! command -v opencode >/dev/null 2>&1; then
  curl -fsSL https://opencode.ai/install | bash
fi`

// Params is everything the generated program needs.
type Params struct {
	SessionID        string
	TaskID           int64
	WebhookURL       string
	WebhookSecret    string
	Prompt           string
	RepoURL          string // HTTPS clone URL without credentials
	Credential       string // Injected into the clone URL
	BranchName       string
	SetupScript      string        // Empty uses DefaultSetupScript
	ProgressInterval time.Duration // Zero uses DefaultProgressInterval
}

// Generate returns the run-script for p.
func Generate(p Params) (string, error) {
	switch {
	case p.SessionID == "":
		return "", fmt.Errorf("runscript: session id is required")
	case p.TaskID <= 0:
		return "", fmt.Errorf("runscript: task id is required")
	case p.WebhookURL == "":
		return "", fmt.Errorf("runscript: webhook url is required")
	case p.WebhookSecret == "":
		return "", fmt.Errorf("runscript: webhook secret is required")
	case p.Prompt == "":
		return "", fmt.Errorf("runscript: prompt is required")
	case p.BranchName == "":
		return "", fmt.Errorf("runscript: branch name is required")
	}

	authURL, err := AuthenticatedURL(p.RepoURL, p.Credential)
	if err != nil {
		return "", err
	}

	setup := p.SetupScript
	if strings.TrimSpace(setup) == "" {
		setup = DefaultSetupScript
	}
	interval := p.ProgressInterval
	if interval <= 0 {
		interval = DefaultProgressInterval
	}
	seconds := int(interval / time.Second)
	if seconds < 1 {
		seconds = 1
	}

	var b strings.Builder
	b.WriteString("#!/usr/bin/env bash\n")
	b.WriteString("# Generated by dispatch. Runs unattended inside the sandbox.\n\n")
	writeVar(&b, "SESSION_ID", p.SessionID)
	writeVar(&b, "TASK_ID", strconv.FormatInt(p.TaskID, 10))
	writeVar(&b, "WEBHOOK_URL", p.WebhookURL)
	writeVar(&b, "WEBHOOK_SECRET", p.WebhookSecret)
	writeVar(&b, "REPO_AUTH_URL", authURL)
	writeVar(&b, "BRANCH_NAME", p.BranchName)
	writeVar(&b, "PROMPT", p.Prompt)
	writeVar(&b, "SETUP_SCRIPT", setup)
	writeVar(&b, "PROGRESS_INTERVAL", strconv.Itoa(seconds))
	b.WriteString(scriptBody)
	return b.String(), nil
}

// AuthenticatedURL returns repoURL with credential as its userinfo.
// Only https URLs are accepted so the credential never travels in clear text.
func AuthenticatedURL(repoURL, credential string) (string, error) {
	if repoURL == "" {
		return "", fmt.Errorf("runscript: repository url is required")
	}
	if credential == "" {
		return "", fmt.Errorf("runscript: repository credential is required")
	}
	u, err := url.Parse(repoURL)
	if err != nil {
		return "", fmt.Errorf("runscript: parse repository url: %w", err)
	}
	if u.Scheme != "https" || u.Host == "" {
		return "", fmt.Errorf("runscript: repository url must be https, got %q", u.Redacted())
	}
	u.User = url.UserPassword("x-access-token", credential)
	return u.String(), nil
}

// EscapeDoubleQuoted escapes s for use inside a bash double-quoted string.
// Backslash, double quote, dollar and backtick are the only characters bash
// interprets there in a non-interactive shell.
func EscapeDoubleQuoted(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch r {
		case '\\', '"', '$', '`':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}

func writeVar(b *strings.Builder, name, value string) {
	fmt.Fprintf(b, "%s=\"%s\"\n", name, EscapeDoubleQuoted(value))
}

// scriptBody reads only the variables assigned above it.
const scriptBody = `
set -uo pipefail

RUN_DIR="/tmp/dispatch-$SESSION_ID"
WORKDIR="$RUN_DIR/repo"
EVENT_LOG="$RUN_DIR/events.jsonl"
mkdir -p "$RUN_DIR"

log() {
  printf '[dispatch %s] %s\n' "$(date -u +%H:%M:%S)" "$*"
}

json_escape() {
  printf '%s' "$1" \
    | tr -d '\000-\010\013\014\016-\037' \
    | sed -e 's/\\/\\\\/g' -e 's/"/\\"/g' -e 's/\t/\\t/g' -e 's/\r$//' \
    | awk 'BEGIN { ORS = "" } NR > 1 { print "\\n" } { print }'
}

sign() {
  printf '%s' "$1" | openssl dgst -sha256 -hmac "$WEBHOOK_SECRET" | sed 's/^.*= //'
}

send_webhook() {
  local payload="$1"
  local sig
  sig=$(sign "$payload")
  curl -sS -f --retry 3 --retry-connrefused --max-time 30 \
    -H "Content-Type: application/json" \
    -H "X-Webhook-Signature: sha256=$sig" \
    --data-binary "$payload" \
    "$WEBHOOK_URL" >/dev/null
}

envelope() {
  printf '"sessionId":"%s","taskId":"%s"' "$SESSION_ID" "$TASK_ID"
}

send_error() {
  local msg
  msg=$(json_escape "$1")
  send_webhook "{\"type\":\"error\",$(envelope),\"error\":\"$msg\"}" || log "could not deliver error webhook"
}

extract_stats() {
  MSG_COUNT=$(grep -c '"type":"step_finish"' "$EVENT_LOG" 2>/dev/null || true)
  MSG_COUNT=${MSG_COUNT:-0}
  IN_TOKENS=$(grep -o '"input":[0-9]*' "$EVENT_LOG" 2>/dev/null | awk -F: '{ s += $2 } END { print s + 0 }')
  OUT_TOKENS=$(grep -o '"output":[0-9]*' "$EVENT_LOG" 2>/dev/null | awk -F: '{ s += $2 } END { print s + 0 }')
}

json_unescape() {
  if command -v jq >/dev/null 2>&1; then
    printf '"%s"' "$1" | jq -j '.' 2>/dev/null && return
  fi
  printf '%s' "$1" | awk '
    BEGIN { ORS = ""; hex = "0123456789abcdef" }
    NR > 1 { print "\n" }
    {
      s = $0; out = ""
      while ((i = index(s, "\\")) > 0) {
        out = out substr(s, 1, i - 1)
        c = substr(s, i + 1, 1)
        if (c == "u") {
          code = 0
          for (k = 2; k <= 5; k++) code = code * 16 + index(hex, tolower(substr(s, i + k, 1))) - 1
          if (code >= 32 && code < 127) out = out sprintf("%c", code)
          else if (code >= 127) out = out "?"
          s = substr(s, i + 6)
          continue
        }
        if (c == "n") out = out "\n"
        else if (c == "t") out = out "\t"
        else if (c != "r" && c != "b" && c != "f") out = out c
        s = substr(s, i + 2)
      }
      print out s
    }'
}

truncate_chars() {
  LC_ALL=C.UTF-8 bash -c 'printf "%s" "${1:0:$2}"' truncate "$1" "$2" 2>/dev/null
}

last_text() {
  local raw
  raw=$(grep -oE '"text":"([^"\\]|\\.)*"' "$EVENT_LOG" 2>/dev/null | tail -n 1 | sed -e 's/^"text":"//' -e 's/"$//')
  truncate_chars "$(json_unescape "$raw")" "$1"
}

progress_monitor() {
  local pid="$1"
  local status nap=""
  # An in-flight callback finishes before exit so it cannot land after the final one
  trap 'kill "$nap" 2>/dev/null; exit 0' TERM
  while kill -0 "$pid" 2>/dev/null; do
    sleep "$PROGRESS_INTERVAL" &
    nap=$!
    wait "$nap"
    kill -0 "$pid" 2>/dev/null || break
    extract_stats
    status=$(json_escape "$(last_text 200)")
    send_webhook "{\"type\":\"progress\",$(envelope),\"progress\":{\"message\":\"$status\",\"messageCount\":$MSG_COUNT,\"inputTokens\":$IN_TOKENS,\"outputTokens\":$OUT_TOKENS}}" \
      || log "progress webhook failed, continuing"
  done
}

checkout_branch() {
  if git ls-remote --exit-code --heads origin "$BRANCH_NAME" >/dev/null 2>&1; then
    git fetch --quiet origin "$BRANCH_NAME" && git checkout --quiet -B "$BRANCH_NAME" "origin/$BRANCH_NAME"
  else
    git checkout --quiet -b "$BRANCH_NAME"
  fi
}

log "Running setup"
bash -c "$SETUP_SCRIPT" || log "setup exited with status $?"
export PATH="${HOME:-/root}/.opencode/bin:${HOME:-/root}/.local/bin:$PATH"
if ! command -v opencode >/dev/null 2>&1; then
  log "opencode not found after setup, aborting"
  exit 1
fi

log "Cloning repository"
git clone --quiet "$REPO_AUTH_URL" "$WORKDIR" >"$RUN_DIR/clone.log" 2>&1
clone_status=$?
if [ "$clone_status" -ne 0 ]; then
  send_error "Failed to clone repository (exit $clone_status)"
  exit 1
fi
cd "$WORKDIR" || { send_error "Repository missing after clone"; exit 1; }
git config user.name "${GIT_AUTHOR_NAME:-dispatch}"
git config user.email "${GIT_AUTHOR_EMAIL:-dispatch@localhost}"

log "Checking out $BRANCH_NAME"
if ! checkout_branch >"$RUN_DIR/branch.log" 2>&1; then
  send_error "Failed to check out branch $BRANCH_NAME"
  exit 1
fi

send_webhook "{\"type\":\"started\",$(envelope),\"branchName\":\"$(json_escape "$BRANCH_NAME")\"}" \
  || log "started webhook failed, continuing"

log "Starting agent"
opencode run --format json "$PROMPT" >"$EVENT_LOG" 2>&1 &
AGENT_PID=$!
progress_monitor "$AGENT_PID" &
MONITOR_PID=$!
wait "$AGENT_PID"
AGENT_EXIT=$?
kill "$MONITOR_PID" 2>/dev/null
wait "$MONITOR_PID" 2>/dev/null

extract_stats
STATS="{\"messageCount\":$MSG_COUNT,\"inputTokens\":$IN_TOKENS,\"outputTokens\":$OUT_TOKENS}"

if [ "$AGENT_EXIT" -eq 0 ]; then
  SUMMARY=$(json_escape "$(last_text 1000)")
  PR_URL=$(grep -o 'https://github\.com/[^"[:space:]]*/pull/[0-9]*' "$EVENT_LOG" 2>/dev/null | tail -n 1)
  PR_FIELD=""
  if [ -n "$PR_URL" ]; then
    PR_FIELD=",\"pullRequestUrl\":\"$(json_escape "$PR_URL")\""
  fi
  if ! send_webhook "{\"type\":\"completed\",$(envelope),\"summary\":\"$SUMMARY\",\"stats\":$STATS$PR_FIELD}"; then
    log "could not deliver completed webhook"
    exit 1
  fi
  log "Done"
  exit 0
fi

TAIL=$(tail -n 20 "$EVENT_LOG" 2>/dev/null | tail -c 2000)
send_error "Agent exited with status $AGENT_EXIT: $TAIL"
exit "$AGENT_EXIT"
`
