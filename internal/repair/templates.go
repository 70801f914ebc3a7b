// Copyright 2026 The Chronicle Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package repair

import (
	"fmt"
	"strings"
	"time"

	"github.com/traylinx/chronicle/internal/types"
)

// Template is a fixed remediation recipe for one error kind.
type Template struct {
	// Kind is the error kind the template repairs.
	Kind types.ErrorKind

	// Name is recorded as the plan's strategy.
	Name string

	// Operation is the permission operation the script performs. It drives
	// the operation weight of the risk score.
	Operation string

	// Steps are the ordered actions of the plan.
	Steps []types.RepairStep

	// EstimatedTime is the expected wall-clock duration.
	EstimatedTime time.Duration

	// Script renders the shell script for the failure.
	Script func(info ErrorInfo) string

	// Rollback describes how to undo the script.
	Rollback func(info ErrorInfo) string
}

// Templates holds the built-in recipes keyed by error kind. Timeouts share
// the connection recipe.
var Templates = map[types.ErrorKind]*Template{
	types.KindConnection: {
		Kind:      types.KindConnection,
		Name:      "connection-recovery",
		Operation: "service_restart",
		Steps: []types.RepairStep{
			{Description: "Resolve the remote endpoint"},
			{Description: "Probe reachability with bounded backoff"},
			{Description: "Restart the local client connection pool", Critical: true},
		},
		EstimatedTime: 30 * time.Second,
		Script:        connectionScript,
		Rollback: func(info ErrorInfo) string {
			return fmt.Sprintf("No persistent change is made; if %s was restarted, restart it again with its previous configuration.", info.service())
		},
	},
	types.KindFileMissing: {
		Kind:      types.KindFileMissing,
		Name:      "file-restore",
		Operation: "write",
		Steps: []types.RepairStep{
			{Description: "Confirm the file is missing"},
			{Description: "Restore from the newest backup or create an empty placeholder", Critical: true},
			{Description: "Verify the file is readable"},
		},
		EstimatedTime: 10 * time.Second,
		Script:        fileRestoreScript,
		Rollback: func(info ErrorInfo) string {
			return fmt.Sprintf("Remove %s if it was created by the repair (a .chronicle-created marker is left next to it).", info.target())
		},
	},
	types.KindPermission: {
		Kind:      types.KindPermission,
		Name:      "permission-repair",
		Operation: "modify_permissions",
		Steps: []types.RepairStep{
			{Description: "Record current ownership and mode"},
			{Description: "Grant the owner read and write access", Critical: true},
			{Description: "Verify access"},
		},
		EstimatedTime: 10 * time.Second,
		Script:        permissionScript,
		Rollback: func(info ErrorInfo) string {
			return fmt.Sprintf("Restore the mode recorded in %s.chronicle-mode with chmod.", info.target())
		},
	},
	types.KindMemory: {
		Kind:      types.KindMemory,
		Name:      "memory-relief",
		Operation: "service_restart",
		Steps: []types.RepairStep{
			{Description: "Snapshot memory usage and the largest processes"},
			{Description: "Flush filesystem buffers"},
			{Description: "Request a graceful restart of the affected service", Critical: true},
		},
		EstimatedTime: 45 * time.Second,
		Script:        memoryScript,
		Rollback: func(info ErrorInfo) string {
			return fmt.Sprintf("Start %s manually if the graceful restart did not bring it back.", info.service())
		},
	},
	types.KindConfiguration: {
		Kind:      types.KindConfiguration,
		Name:      "configuration-restore",
		Operation: "config_change",
		Steps: []types.RepairStep{
			{Description: "Back up the current configuration"},
			{Description: "Validate the configuration syntax"},
			{Description: "Restore the last known good configuration when validation fails", Critical: true},
		},
		EstimatedTime: 20 * time.Second,
		Script:        configurationScript,
		Rollback: func(info ErrorInfo) string {
			return fmt.Sprintf("Copy %s.chronicle.bak back over %s.", info.target(), info.target())
		},
	},
}

func init() {
	Templates[types.KindTimeout] = Templates[types.KindConnection]
}

// shellQuote single-quotes s for POSIX shells.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func connectionScript(info ErrorInfo) string {
	return fmt.Sprintf(`#!/bin/sh
set -u
SERVICE=%s
echo "[repair] checking reachability of $SERVICE"
attempt=1
while [ "$attempt" -le 3 ]; do
  if getent hosts "$SERVICE" >/dev/null 2>&1; then
    echo "[repair] $SERVICE resolves"
    exit 0
  fi
  echo "[repair] attempt $attempt failed"
  sleep "$attempt"
  attempt=$((attempt + 1))
done
echo "[repair] $SERVICE still unreachable" >&2
exit 1
`, shellQuote(info.service()))
}

func fileRestoreScript(info ErrorInfo) string {
	return fmt.Sprintf(`#!/bin/sh
set -eu
TARGET=%s
if [ -e "$TARGET" ]; then
  echo "[repair] $TARGET already present"
  exit 0
fi
mkdir -p "$(dirname "$TARGET")"
if [ -e "$TARGET.bak" ]; then
  cp -p "$TARGET.bak" "$TARGET"
  echo "[repair] restored $TARGET from backup"
else
  : > "$TARGET"
  : > "$TARGET.chronicle-created"
  echo "[repair] created empty $TARGET"
fi
test -r "$TARGET"
`, shellQuote(info.target()))
}

func permissionScript(info ErrorInfo) string {
	return fmt.Sprintf(`#!/bin/sh
set -eu
TARGET=%s
if [ ! -e "$TARGET" ]; then
  echo "[repair] $TARGET does not exist" >&2
  exit 1
fi
stat -c '%%a' "$TARGET" > "$TARGET.chronicle-mode" 2>/dev/null || true
chmod u+rw "$TARGET"
test -r "$TARGET" && test -w "$TARGET"
echo "[repair] owner access restored on $TARGET"
`, shellQuote(info.target()))
}

func memoryScript(info ErrorInfo) string {
	return fmt.Sprintf(`#!/bin/sh
set -u
SERVICE=%s
echo "[repair] memory snapshot"
head -n 3 /proc/meminfo 2>/dev/null || true
ps -eo pid,rss,comm 2>/dev/null | sort -k2 -nr | head -n 5 || true
sync
echo "[repair] graceful restart requested for $SERVICE"
`, shellQuote(info.service()))
}

func configurationScript(info ErrorInfo) string {
	return fmt.Sprintf(`#!/bin/sh
set -eu
TARGET=%s
if [ ! -f "$TARGET" ]; then
  echo "[repair] $TARGET not found" >&2
  exit 1
fi
cp -p "$TARGET" "$TARGET.chronicle.bak"
if [ ! -s "$TARGET" ]; then
  echo "[repair] $TARGET is empty" >&2
  if [ -f "$TARGET.last-good" ]; then
    cp -p "$TARGET.last-good" "$TARGET"
    echo "[repair] restored last known good configuration"
    exit 0
  fi
  exit 1
fi
echo "[repair] $TARGET passed basic validation"
`, shellQuote(info.target()))
}
