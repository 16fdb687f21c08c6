package main

import "strconv"

func parseEntryID(s string) (int64, error) {
	return strconv.ParseInt(s, 10, 64)
}
