// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package iopool

import (
	"fmt"
	"strings"
)

// UniquifyFileName returns name with the provided rank, and the time
// rank if it is non-negative, inserted before the file extension:
//
//	UniquifyFileName("obs.nc4", 3, -1)        == "obs_0003.nc4"
//	UniquifyFileName("s3://b/obs.nc4", 3, 1)  == "s3://b/obs_0003_0001.nc4"
//
// Names without an extension are suffixed.
func UniquifyFileName(name string, rank, timeRank int) string {
	suffix := fmt.Sprintf("_%04d", rank)
	if timeRank >= 0 {
		suffix += fmt.Sprintf("_%04d", timeRank)
	}
	dot := strings.LastIndex(name, ".")
	if dot < 0 || dot < strings.LastIndex(name, "/") {
		return name + suffix
	}
	return name[:dot] + suffix + name[dot:]
}
