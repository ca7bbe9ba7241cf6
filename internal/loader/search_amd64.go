//go:build amd64

package loader

var archLibPaths = []string{
	"/lib64/tls/i686/cmov",
	"/usr/lib64",
	"/lib64",
}
