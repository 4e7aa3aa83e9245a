// Copyright 2024 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// owtemp reads DS18S20 and DS18B20 thermometers on a 1-Wire bus.
//
// The bus is bit-banged on a GPIO by default. It can also be driven by a
// DS2482/DS2483 I²C master or by a UART.
package main

import (
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
