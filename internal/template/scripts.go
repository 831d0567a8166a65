package template

// Check scripts run inside the sandbox at /eval with the app bind
// mounted at /app. Exit 0 is a pass, anything else is a fail, and the
// harness treats exit 124 as a timeout.

const installScript = `#!/bin/bash
set -e
cd /app
if [ -f pnpm-lock.yaml ]; then
  corepack enable pnpm >/dev/null 2>&1 || npm install -g pnpm >/dev/null 2>&1
  pnpm install --frozen-lockfile || pnpm install
elif [ -f yarn.lock ]; then
  corepack enable >/dev/null 2>&1 || true
  yarn install --frozen-lockfile || yarn install
else
  npm install --no-audit --no-fund
fi
`

const buildScript = `#!/bin/bash
set -e
cd /app
if node -e "process.exit((require('./package.json').scripts || {}).build ? 0 : 1)"; then
  npm run build
else
  echo "no build script, nothing to build"
fi
`

const startScript = `#!/bin/bash
cd /app
PORT="${DATABRICKS_APP_PORT:-8000}"
export PORT
if node -e "process.exit((require('./package.json').scripts || {}).start ? 0 : 1)"; then
  npm run start >/tmp/server.log 2>&1 &
else
  npm run dev >/tmp/server.log 2>&1 &
fi
SERVER_PID=$!
for _ in $(seq 1 30); do
  if curl -sf -o /dev/null "http://localhost:${PORT}/" || curl -sf -o /dev/null "http://localhost:${PORT}/health"; then
    kill "$SERVER_PID" 2>/dev/null
    exit 0
  fi
  sleep 1
done
echo "server never answered on port ${PORT}"
cat /tmp/server.log
kill "$SERVER_PID" 2>/dev/null
exit 1
`

const typecheckScript = `#!/bin/bash
set -e
cd /app
if [ -f tsconfig.json ]; then
  npx tsc --noEmit
else
  echo "no tsconfig.json, skipping typecheck"
fi
`

const testScript = `#!/bin/bash
cd /app
export CI=true
export PORT="${TEST_PORT:-9000}"
if node -e "process.exit((require('./package.json').scripts || {}).test ? 0 : 1)"; then
  npm test -- --coverage
else
  npx vitest run --coverage
fi
`

const connectivityScript = `#!/bin/bash
set -e
if [ -z "$DATABRICKS_HOST" ] || [ -z "$DATABRICKS_TOKEN" ]; then
  echo "databricks credentials not set"
  exit 1
fi
HOST="${DATABRICKS_HOST%/}"
case "$HOST" in
  http*) ;;
  *) HOST="https://${HOST}" ;;
esac
if [ -n "$DATABRICKS_WAREHOUSE_ID" ]; then
  curl -sf -m 20 -H "Authorization: Bearer ${DATABRICKS_TOKEN}" \
    "${HOST}/api/2.0/sql/warehouses/${DATABRICKS_WAREHOUSE_ID}" >/dev/null
else
  curl -sf -m 20 -H "Authorization: Bearer ${DATABRICKS_TOKEN}" \
    "${HOST}/api/2.0/clusters/spark-versions" >/dev/null
fi
`

const dataScript = `#!/bin/bash
cd /app
PORT="${DATABRICKS_APP_PORT:-8000}"
export PORT
{ npm run start || npm run dev; } >/tmp/server.log 2>&1 &
SERVER_PID=$!
trap 'kill "$SERVER_PID" 2>/dev/null' EXIT
for _ in $(seq 1 30); do
  curl -sf -o /dev/null "http://localhost:${PORT}/" && break
  sleep 1
done
for path in /api/data /api/trpc /api /data; do
  body=$(curl -s -m 10 "http://localhost:${PORT}${path}" || true)
  case "$body" in
    \{*|\[*)
      echo "data returned from ${path}"
      exit 0
      ;;
  esac
done
echo "no endpoint returned JSON data"
cat /tmp/server.log
exit 1
`

const uiScript = `#!/bin/bash
cd /app
PORT="${DATABRICKS_APP_PORT:-8000}"
export PORT
{ npm run start || npm run dev; } >/tmp/server.log 2>&1 &
SERVER_PID=$!
trap 'kill "$SERVER_PID" 2>/dev/null' EXIT
for _ in $(seq 1 30); do
  curl -sf -o /dev/null "http://localhost:${PORT}/" && break
  sleep 1
done
body=$(curl -s -m 10 "http://localhost:${PORT}/")
if echo "$body" | grep -qiE '<!doctype html|<html|<div id="(root|app)"'; then
  echo "ui markup served"
  exit 0
fi
echo "no recognizable markup on /"
exit 1
`

// tRPC routers answer under /api/trpc, so the data probe asks there
// first before falling back to the generic paths.
const trpcDataScript = `#!/bin/bash
cd /app
PORT="${DATABRICKS_APP_PORT:-8000}"
export PORT
{ npm run start || npm run dev; } >/tmp/server.log 2>&1 &
SERVER_PID=$!
trap 'kill "$SERVER_PID" 2>/dev/null' EXIT
for _ in $(seq 1 30); do
  curl -sf -o /dev/null "http://localhost:${PORT}/" && break
  sleep 1
done
for path in /api/trpc /trpc /api/data /api; do
  body=$(curl -s -m 10 "http://localhost:${PORT}${path}" || true)
  case "$body" in
    \{*|\[*)
      echo "data returned from ${path}"
      exit 0
      ;;
  esac
done
echo "no trpc endpoint returned JSON data"
cat /tmp/server.log
exit 1
`

var baseBundle = map[string]string{
	"install.sh":      installScript,
	"build.sh":        buildScript,
	"start.sh":        startScript,
	"typecheck.sh":    typecheckScript,
	"test.sh":         testScript,
	"connectivity.sh": connectivityScript,
	"data.sh":         dataScript,
	"ui.sh":           uiScript,
}

// Scripts returns the check script bundle for a tag, keyed by file
// name. Unknown apps get the generic node bundle; docker apps get
// nothing because the pipeline refuses them before any script runs.
func Scripts(tag Tag) map[string]string {
	switch tag {
	case Docker:
		return nil
	case TRPC:
		bundle := make(map[string]string, len(baseBundle))
		for name, body := range baseBundle {
			bundle[name] = body
		}
		bundle["data.sh"] = trpcDataScript
		return bundle
	default:
		bundle := make(map[string]string, len(baseBundle))
		for name, body := range baseBundle {
			bundle[name] = body
		}
		return bundle
	}
}
