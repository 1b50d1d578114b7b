package merge

import "time"

const timeLayout = time.RFC3339

// timeNow is replaceable in tests.
var timeNow = time.Now
