//go:build !unix

package encoder

import "os/exec"

func setProcessGroup(cmd *exec.Cmd) {}

// プロセスグループを持たない環境では親プロセスのみを終了させます。
func terminate(cmd *exec.Cmd) error {
	if cmd.Process == nil {
		return nil
	}
	return cmd.Process.Kill()
}

func forceKill(cmd *exec.Cmd) error {
	return terminate(cmd)
}
