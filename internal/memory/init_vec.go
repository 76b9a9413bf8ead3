//go:build cgo

package memory

import (
	vec "github.com/asg017/sqlite-vec-go-bindings/cgo"
)

func init() {
	// Register the sqlite-vec extension with the mattn/go-sqlite3 driver.
	// vec.Auto() registers it as an auto-loadable extension, so every
	// connection can call vec_distance_cosine. The driver itself already
	// requires cgo, so this covers the default build.
	vec.Auto()
}
