package router

import "errors"

var (
	ErrNoRuleMatched = errors.New("no rule matched")
)
