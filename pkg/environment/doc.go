/*
Package environment mounts, enters and tears down the chroot-able build image.

# Lifecycle

	 Detached ──Enter──► Entered ──Exit──► Detached

	Enter                                  Exit (every step attempted)
	─────                                  ──────────────────────────
	1. mount -o loop storage.image mp      1. umount mp/dev/shm   (if mounted)
	2. rm mp/var/run/dbus/pid              2. umount mp/proc      (if mounted)
	3. chroot mp dbus start ──fail──┐      3. umount mp/home      (if bound)
	4. mount tmpfs mp/dev/shm       │      4. chroot mp dbus stop
	5. mount proc  mp/proc          │      5. SIGKILL pid from PID file
	6. mount --bind /home (opt.)    │      6. SIGTERM /proc/<pid>/root == mp
	                                ▼         wait KillGrace, SIGKILL
	              umount mp, ErrBusStart   7. umount mp ─► only reported error

Virtual filesystem mounts are best effort: a failure is logged and the mount
is simply not undone on Exit. The bus is the one hard requirement because
pisi talks to it during package installation.

Enter on an entered controller returns ErrAlreadyEntered. Exit on a detached
controller is a no-op. When the image itself could not be unmounted, the
controller remembers it: the next Enter unmounts it first and fails with
ErrStaleMount while the mount point is still busy. With wraps both around a function and exits on every
path, including a panic.

Mounts are described as runtime-spec specs.Mount values and applied by a
Mounter. SystemMounter uses mount(8) through a runner.Runner, which lets
mount(8) allocate the loop device.

# Orphans

Builds leave processes behind: compilers killed mid-way, test daemons, the bus
itself if its init script misbehaves. Any of them keeps the image busy. The
Reaper walks the proc filesystem and signals every process whose root link
resolves to the mount point, first with SIGTERM and, after the grace period,
with SIGKILL.
*/
package environment
