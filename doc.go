// Copyright 2021 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package thermowire is a container for the 1-Wire bus masters and the
// DS18S20/DS18B20 thermometer driver.
//
// onewirebus implements the bus protocol on top of a slot level Line, which
// is provided by bitbang (GPIO), ds248x (I²C master) or serialline (UART).
// ds18x20 drives the thermometers and sensorreg keeps and persists a set of
// them. cmd/owtemp is the command line tool.
package thermowire
