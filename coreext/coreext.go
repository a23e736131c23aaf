// Package coreext imports every core extension for its side effects.
package coreext

import (
	// importing for side effects
	_ "github.com/zephyrtronium/rubycore/coreext/fiber"
	_ "github.com/zephyrtronium/rubycore/coreext/gc"
	_ "github.com/zephyrtronium/rubycore/coreext/globals"
	_ "github.com/zephyrtronium/rubycore/coreext/thread"
)
