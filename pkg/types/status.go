package types

import (
	"github.com/charlie0129/locd/pkg/locator"
	"github.com/charlie0129/locd/pkg/provider/gnss"
)

// Status is what GET /status returns.
type Status struct {
	Version  string         `json:"version"`
	Locator  locator.Status `json:"locator"`
	Producer gnss.Stats     `json:"producer"`
}
