// Copyright 2026 The Datasync Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
)

func main() {
	fmt.Println("Datasync - Offline Data Synchronization Toolkit")
	fmt.Println("===============================================")
	fmt.Println()
	fmt.Println("A client-server synchronization toolkit: table services with optimistic")
	fmt.Println("concurrency on the server, and an offline-capable SQLite client that")
	fmt.Println("pushes queued local mutations and pulls incremental remote changes.")
	fmt.Println()

	fmt.Println("Available examples:")
	fmt.Println()
	fmt.Println("1. Table sync server (examples/todosync/)")
	fmt.Println("   Serves a 'todoitem' table backed by Postgres or memory")
	fmt.Println("   Run: go run ./examples/todosync")
	fmt.Println()
	fmt.Println("2. Offline client (examples/todoclient/)")
	fmt.Println("   Queues a local mutation and runs one synchronization cycle")
	fmt.Println("   Run: go run ./examples/todoclient")
	fmt.Println()
}
