package mux

import (
	"fmt"
	"os"
	"path/filepath"
)

// guardScript is installed as `git` ahead of the real binary on the PATH of
// every agent session. It fails destructive invocations below the agent's
// reasoning and hands everything else to the real git. The guard directory
// strips itself from PATH before re-resolving, so the shim never recurses.
const guardScript = `#!/bin/sh
# git guard for agent sessions: refuses commands that discard uncommitted
# work. Everything else is handed to the real git further down the PATH.

guard_dir=$(CDPATH= cd -- "$(dirname -- "$0")" && pwd)
PATH=$(printf '%s' "$PATH" | awk -v RS=: -v d="$guard_dir" '$0 != d {printf "%s%s", s, $0; s=":"}')
export PATH

deny() {
    echo "git guard: refusing 'git $*': it would discard uncommitted work" >&2
    exit 1
}

# Find the subcommand, skipping global flags and the values of the ones
# that take a separate argument (git -C <path> stash is still a stash).
subcmd=""
skip=0
for arg in "$@"; do
    if [ "$skip" = 1 ]; then
        skip=0
        continue
    fi
    case "$arg" in
        -C|-c|--git-dir|--work-tree|--namespace|--exec-path) skip=1 ;;
        -*) ;;
        *) subcmd="$arg"; break ;;
    esac
done

case "$subcmd" in
    stash|clean)
        deny "$@"
        ;;
    reset)
        for arg in "$@"; do
            if [ "$arg" = "--hard" ] || [ "$arg" = "--merge" ]; then
                deny "$@"
            fi
        done
        ;;
    checkout)
        for arg in "$@"; do
            case "$arg" in
                -f|--force|--) deny "$@" ;;
            esac
        done
        ;;
    restore)
        case " $* " in
            *" --staged "*)
                case " $* " in
                    *" --worktree "*) deny "$@" ;;
                esac
                ;;
            *) deny "$@" ;;
        esac
        ;;
esac

exec git "$@"
`

// InstallGuard writes the git guard shim into dir and returns dir for PATH
// prepending. The shim must be in place before any agent session launches.
func InstallGuard(dir string) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create guard dir: %w", err)
	}
	path := filepath.Join(dir, "git")
	//nolint:gosec // G306: the shim must be executable by session shells
	if err := os.WriteFile(path, []byte(guardScript), 0o755); err != nil {
		return "", fmt.Errorf("failed to write git guard: %w", err)
	}
	return dir, nil
}

// GuardedPath returns a PATH value with the guard directory prepended to
// base (usually the daemon's own PATH), for injection into new sessions.
func GuardedPath(guardDir, base string) string {
	if base == "" {
		return guardDir
	}
	return guardDir + string(os.PathListSeparator) + base
}
