// Copyright 2016 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package ds18x20 interfaces to Dallas Semi / Maxim DS18S20 and DS18B20
// 1-wire temperature sensors.
//
// Both externally and parasitically powered devices are supported. Parasitic
// devices need the strong pull-up of the bus master during conversions and
// cannot report when a conversion completes, so conversions involving them
// always take ParasiticWait.
//
// Note that both DS18B20 and DS18S20 are supported but only the DS18B20 has a
// configurable resolution.
//
// Datasheet
//
// https://datasheets.maximintegrated.com/en/ds/DS18B20.pdf
//
// https://datasheets.maximintegrated.com/en/ds/DS18S20.pdf
package ds18x20
