//go:build 386

package loader

var archLibPaths = []string{
	"/lib32/tls/i686/cmov",
	"/usr/lib32",
	"/lib32",
}
