package binance

import (
	"context"
	"errors"
	"net"
	"strings"

	"github.com/adshao/go-binance/v2/common"

	"quantcore/internal/gateway/exchange"
)

// Binance futures error codes the gateway distinguishes.
const (
	codeTooManyRequests    = -1003
	codeTimestamp          = -1021
	codeDisconnected       = -1001
	codeUnknownOrder       = -2011
	codeInsufficientMargin = -2019
	codeRejected           = -2027
	codeInvalidLeverage    = -4028
	codePositionSide       = -4061
	codeMinNotional        = -4164
	codePostOnlyReject     = -5022
	codeBadAPIKey          = -2014
	codeBadSignature       = -1022
	codeUnauthorized       = -2015
)

// classify converts a go-binance error into an *exchange.Error.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var gwErr *exchange.Error
	if errors.As(err, &gwErr) {
		return err
	}
	out := &exchange.Error{Op: op, Err: err, Kind: exchange.KindUnknown}

	var apiErr *common.APIError
	if errors.As(err, &apiErr) {
		out.Code = apiErr.Code
		switch apiErr.Code {
		case codeTimestamp:
			out.Kind = exchange.KindClockDrift
		case codeTooManyRequests, -429, -418:
			out.Kind = exchange.KindRateLimited
		case codeDisconnected:
			out.Kind = exchange.KindTransient
		case codeInsufficientMargin:
			out.Kind, out.Reject = exchange.KindRejected, exchange.RejectInsufficient
		case codeInvalidLeverage:
			out.Kind, out.Reject = exchange.KindRejected, exchange.RejectInvalidLeverage
		case codeMinNotional:
			out.Kind, out.Reject = exchange.KindRejected, exchange.RejectMinNotional
		case codePositionSide:
			out.Kind, out.Reject = exchange.KindRejected, exchange.RejectPositionMode
		case codePostOnlyReject:
			out.Kind, out.Reject = exchange.KindRejected, exchange.RejectPostOnlyCrossing
		case codeRejected, codeUnknownOrder:
			out.Kind, out.Reject = exchange.KindRejected, exchange.RejectOther
		case codeBadAPIKey, codeBadSignature, codeUnauthorized:
			out.Kind = exchange.KindFatal
		default:
			if apiErr.Code <= -4000 || (apiErr.Code <= -2000 && apiErr.Code > -3000) {
				out.Kind, out.Reject = exchange.KindRejected, exchange.RejectOther
			}
		}
		return out
	}

	switch {
	case errors.Is(err, context.Canceled):
		out.Kind = exchange.KindFatal
	case errors.Is(err, context.DeadlineExceeded):
		out.Kind = exchange.KindTransient
	default:
		var netErr net.Error
		if errors.As(err, &netErr) {
			out.Kind = exchange.KindTransient
			break
		}
		// go-binance reports HTTP status failures as plain errors
		msg := err.Error()
		switch {
		case strings.Contains(msg, "status code: 429"), strings.Contains(msg, "status code: 418"):
			out.Kind = exchange.KindRateLimited
		case strings.Contains(msg, "status code: 5"), strings.Contains(msg, "connection reset"), strings.Contains(msg, "EOF"):
			out.Kind = exchange.KindTransient
		}
	}
	return out
}
