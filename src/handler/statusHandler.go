package handler

import (
	"net/http"

	"brokerledger/src/marketdata"
)

type marketDataStatuser interface {
	Status() marketdata.Status
}

// MarketDataStatusHandler exposes breaker state and the last refresh run.
func MarketDataStatusHandler(svc marketDataStatuser) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, svc.Status())
	}
}
