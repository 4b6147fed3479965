//go:build tools
// +build tools

// This file tracks code generators invoked through go generate.
package main

import (
	_ "go.uber.org/mock/mockgen"
)
