// Copyright 2025 FinSight
// SPDX-License-Identifier: Apache-2.0

package main

import "finsight/platform/gateway"

func main() {
	gateway.Run()
}
