//go:build linux

package procline

import (
	"fmt"
	"os"
	"strconv"

	"golang.org/x/sys/unix"
)

// openPty allocates a pty pair via /dev/ptmx, translated from
// original_source/oproc.py's direct os.openpty()/pty.openpty() calls into
// the ioctls Linux actually requires (TIOCGPTN to learn the slave number,
// TIOCSPTLCK to unlock it), since golang.org/x/sys/unix doesn't wrap the
// glibc posix_openpt/grantpt/unlockpt convenience trio directly.
func openPty() (master, slave *os.File, err error) {
	m, err := os.OpenFile("/dev/ptmx", os.O_RDWR|os.O_NOCTTY, 0)
	if err != nil {
		return nil, nil, fmt.Errorf("open /dev/ptmx: %w", err)
	}

	n, err := unix.IoctlGetInt(int(m.Fd()), unix.TIOCGPTN)
	if err != nil {
		m.Close()
		return nil, nil, fmt.Errorf("TIOCGPTN: %w", err)
	}

	var lock int32
	if err := unix.IoctlSetPointerInt(int(m.Fd()), unix.TIOCSPTLCK, int(lock)); err != nil {
		m.Close()
		return nil, nil, fmt.Errorf("TIOCSPTLCK: %w", err)
	}

	slavePath := "/dev/pts/" + strconv.Itoa(n)
	s, err := os.OpenFile(slavePath, os.O_RDWR|os.O_NOCTTY, 0)
	if err != nil {
		m.Close()
		return nil, nil, fmt.Errorf("open %s: %w", slavePath, err)
	}
	return m, s, nil
}

// setRaw puts fd into raw mode, disabling \r\n translation, per
// oproc.py's tty.setraw(self._stdout_fd) call on the parent-side pty
// master for stdout/stderr.
func setRaw(fd *os.File) error {
	t, err := unix.IoctlGetTermios(int(fd.Fd()), unix.TCGETS)
	if err != nil {
		return err
	}
	raw := *t
	raw.Iflag &^= unix.IGNBRK | unix.BRKINT | unix.PARMRK | unix.ISTRIP |
		unix.INLCR | unix.IGNCR | unix.ICRNL | unix.IXON
	raw.Oflag &^= unix.OPOST
	raw.Lflag &^= unix.ECHO | unix.ECHONL | unix.ICANON | unix.ISIG | unix.IEXTEN
	raw.Cflag &^= unix.CSIZE | unix.PARENB
	raw.Cflag |= unix.CS8
	raw.Cc[unix.VMIN] = 1
	raw.Cc[unix.VTIME] = 0
	return unix.IoctlSetTermios(int(fd.Fd()), unix.TCSETS, &raw)
}

// disableEcho clears ECHO on fd without otherwise touching its mode,
// matching oproc.py's tty_in teardown (termios attr[3] &= ~ECHO).
func disableEcho(fd *os.File) error {
	t, err := unix.IoctlGetTermios(int(fd.Fd()), unix.TCGETS)
	if err != nil {
		return err
	}
	noecho := *t
	noecho.Lflag &^= unix.ECHO
	return unix.IoctlSetTermios(int(fd.Fd()), unix.TCSETS, &noecho)
}

// setWinSize sets the pty window size, per oproc.py's
// OProc.setwinsize(fd, r, c).
func setWinSize(fd *os.File, ws WinSize) error {
	return unix.IoctlSetWinsize(int(fd.Fd()), unix.TIOCSWINSZ, &unix.Winsize{
		Row: uint16(ws.Rows),
		Col: uint16(ws.Cols),
	})
}
