/*
Package media manages the build image that every build runs inside.

The storage directory holds:

	storage.image      ext* filesystem image, loop mounted for builds
	storage.info       YAML record of filesystem, size and backing store
	system<ID>.image   cached backing image the build image is copied from
	loopback/          mount point for the backing image during updates
	mountpoint/        mount point for the build image

Update allocates and formats a new image (reusing the allocation when the
size is unchanged), downloads the backing image if it is not cached, and
mirrors it into the build image with rsync while reporting progress. Any
failure after the old image was formatted over wraps ErrIncomplete.

HostInfo reports disk usage, kernel and the parallel job count used by
builds.
*/
package media
