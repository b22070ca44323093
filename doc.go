// Package vmimage implements a virtual-machine image distribution engine.
//
// It fetches OCI-formatted VM images (a disk image, an optional config blob,
// and an optional NVRAM blob) from a container registry, caches them on local
// disk in a content-addressed layout, and materializes them into a named VM
// directory. See Client and Pull for the main entry points.
package vmimage
