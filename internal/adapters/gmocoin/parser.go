package gmocoin

import (
	"strconv"
	"time"

	"github.com/goccy/go-json"

	"github.com/penguinworks/gmoconnect/errs"
	"github.com/penguinworks/gmoconnect/internal/schema"
)

// Public stream channels.
const (
	channelTicker     = "ticker"
	channelOrderBooks = "orderbooks"
	channelTrades     = "trades"
)

// Private stream channels.
const (
	channelExecutionEvents       = "executionEvents"
	channelOrderEvents           = "orderEvents"
	channelPositionEvents        = "positionEvents"
	channelPositionSummaryEvents = "positionSummaryEvents"
)

type tickerFrame struct {
	Channel   string `json:"channel"`
	Symbol    string `json:"symbol"`
	Ask       string `json:"ask"`
	Bid       string `json:"bid"`
	High      string `json:"high"`
	Low       string `json:"low"`
	Last      string `json:"last"`
	Volume    string `json:"volume"`
	Timestamp string `json:"timestamp"`
}

type bookFrame struct {
	Channel   string       `json:"channel"`
	Symbol    string       `json:"symbol"`
	Asks      []DepthLevel `json:"asks"`
	Bids      []DepthLevel `json:"bids"`
	Timestamp string       `json:"timestamp"`
}

type tradeFrame struct {
	Channel   string `json:"channel"`
	Symbol    string `json:"symbol"`
	Side      string `json:"side"`
	Price     string `json:"price"`
	Size      string `json:"size"`
	Timestamp string `json:"timestamp"`
}

type executionFrame struct {
	Channel            string `json:"channel"`
	ExecutionID        int64  `json:"executionId"`
	OrderID            int64  `json:"orderId"`
	Symbol             string `json:"symbol"`
	Side               string `json:"side"`
	SettleType         string `json:"settleType"`
	ExecutionPrice     string `json:"executionPrice"`
	ExecutionSize      string `json:"executionSize"`
	LossGain           string `json:"lossGain"`
	Fee                string `json:"fee"`
	ExecutionTimestamp string `json:"executionTimestamp"`
}

type orderFrame struct {
	Channel           string `json:"channel"`
	OrderID           int64  `json:"orderId"`
	Symbol            string `json:"symbol"`
	Side              string `json:"side"`
	ExecutionType     string `json:"executionType"`
	MsgType           string `json:"msgType"`
	OrderStatus       string `json:"orderStatus"`
	OrderPrice        string `json:"orderPrice"`
	OrderSize         string `json:"orderSize"`
	OrderExecutedSize string `json:"orderExecutedSize"`
	TimeInForce       string `json:"timeInForce"`
	OrderTimestamp    string `json:"orderTimestamp"`
}

type positionFrame struct {
	Channel      string `json:"channel"`
	PositionID   int64  `json:"positionId"`
	Symbol       string `json:"symbol"`
	Side         string `json:"side"`
	Size         string `json:"size"`
	OrderdSize   string `json:"orderdSize"`
	Price        string `json:"price"`
	LossGain     string `json:"lossGain"`
	LosscutPrice string `json:"losscutPrice"`
	Timestamp    string `json:"timestamp"`
}

type positionSummaryFrame struct {
	Channel             string `json:"channel"`
	Symbol              string `json:"symbol"`
	Side                string `json:"side"`
	AveragePositionRate string `json:"averagePositionRate"`
	PositionLossGain    string `json:"positionLossGain"`
	SumOrderQuantity    string `json:"sumOrderQuantity"`
	SumPositionQuantity string `json:"sumPositionQuantity"`
	Timestamp           string `json:"timestamp"`
}

// parseFrame decodes one stream frame into a canonical event. Frames
// from channels outside the known set decode to KindUnrecognized so a
// venue-side addition never breaks dispatch; malformed JSON is an
// error the session layer counts as a decode drop.
func parseFrame(data []byte, receivedAt time.Time) (*schema.Event, error) {
	var head struct {
		Channel string `json:"channel"`
		Symbol  string `json:"symbol"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, errs.New(venueName, errs.CodeDecode, errs.WithMessage("undecodable frame"), errs.WithCause(err))
	}

	event := &schema.Event{
		Channel:    head.Channel,
		Symbol:     head.Symbol,
		ReceivedAt: receivedAt,
	}

	switch head.Channel {
	case channelTicker:
		var frame tickerFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			return nil, decodeErr(head.Channel, err)
		}
		event.Kind = schema.KindTicker
		event.Ticker = &schema.Ticker{
			Symbol:    frame.Symbol,
			Ask:       parseDecimal(frame.Ask),
			Bid:       parseDecimal(frame.Bid),
			High:      parseDecimal(frame.High),
			Low:       parseDecimal(frame.Low),
			Last:      parseDecimal(frame.Last),
			Volume:    parseDecimal(frame.Volume),
			Timestamp: parseTimestamp(frame.Timestamp),
		}
	case channelOrderBooks:
		var frame bookFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			return nil, decodeErr(head.Channel, err)
		}
		event.Kind = schema.KindOrderBook
		event.Book = &schema.BookSnapshot{
			Symbol:    frame.Symbol,
			Asks:      parseLevels(frame.Asks),
			Bids:      parseLevels(frame.Bids),
			Timestamp: parseTimestamp(frame.Timestamp),
		}
	case channelTrades:
		var frame tradeFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			return nil, decodeErr(head.Channel, err)
		}
		event.Kind = schema.KindTrade
		event.Trade = &schema.Trade{
			Symbol:    frame.Symbol,
			Side:      schema.Side(frame.Side),
			Price:     parseDecimal(frame.Price),
			Size:      parseDecimal(frame.Size),
			Timestamp: parseTimestamp(frame.Timestamp),
		}
	case channelExecutionEvents:
		var frame executionFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			return nil, decodeErr(head.Channel, err)
		}
		event.Kind = schema.KindExecution
		event.Execution = &schema.ExecutionEvent{
			ExecutionID: formatID(frame.ExecutionID),
			OrderID:     formatID(frame.OrderID),
			Symbol:      frame.Symbol,
			Side:        schema.Side(frame.Side),
			SettleType:  frame.SettleType,
			Size:        parseDecimal(frame.ExecutionSize),
			Price:       parseDecimal(frame.ExecutionPrice),
			LossGain:    parseDecimal(frame.LossGain),
			Fee:         parseDecimal(frame.Fee),
			Timestamp:   parseTimestamp(frame.ExecutionTimestamp),
		}
		event.Symbol = frame.Symbol
	case channelOrderEvents:
		var frame orderFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			return nil, decodeErr(head.Channel, err)
		}
		event.Kind = schema.KindOrder
		event.Order = &schema.OrderEvent{
			OrderID:       formatID(frame.OrderID),
			Symbol:        frame.Symbol,
			Side:          schema.Side(frame.Side),
			ExecutionType: schema.OrderType(frame.ExecutionType),
			MsgType:       frame.MsgType,
			Price:         parseDecimal(frame.OrderPrice),
			Size:          parseDecimal(frame.OrderSize),
			ExecutedSize:  parseDecimal(frame.OrderExecutedSize),
			VenueStatus:   frame.OrderStatus,
			TimeInForce:   schema.TimeInForce(frame.TimeInForce),
			Timestamp:     parseTimestamp(frame.OrderTimestamp),
		}
		event.Symbol = frame.Symbol
	case channelPositionEvents:
		var frame positionFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			return nil, decodeErr(head.Channel, err)
		}
		event.Kind = schema.KindPosition
		event.Position = &schema.PositionEvent{
			PositionID:   formatID(frame.PositionID),
			Symbol:       frame.Symbol,
			Side:         schema.Side(frame.Side),
			Size:         parseDecimal(frame.Size),
			OrderedSize:  parseDecimal(frame.OrderdSize),
			Price:        parseDecimal(frame.Price),
			LossGain:     parseDecimal(frame.LossGain),
			LosscutPrice: parseDecimal(frame.LosscutPrice),
			Timestamp:    parseTimestamp(frame.Timestamp),
		}
		event.Symbol = frame.Symbol
	case channelPositionSummaryEvents:
		var frame positionSummaryFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			return nil, decodeErr(head.Channel, err)
		}
		event.Kind = schema.KindPositionSummary
		event.PositionSummary = &schema.PositionSummaryEvent{
			Symbol:              frame.Symbol,
			Side:                schema.Side(frame.Side),
			SumSize:             parseDecimal(frame.SumPositionQuantity),
			AvgPositionRate:     parseDecimal(frame.AveragePositionRate),
			PositionLossGain:    parseDecimal(frame.PositionLossGain),
			SumOrderQuantity:    parseDecimal(frame.SumOrderQuantity),
			SumPositionQuantity: parseDecimal(frame.SumPositionQuantity),
			Timestamp:           parseTimestamp(frame.Timestamp),
		}
		event.Symbol = frame.Symbol
	default:
		event.Kind = schema.KindUnrecognized
	}
	return event, nil
}

func formatID(id int64) string {
	return strconv.FormatInt(id, 10)
}

func decodeErr(channel string, err error) error {
	return errs.New(venueName, errs.CodeDecode, errs.WithMessage("decode "+channel+" frame"), errs.WithCause(err))
}

func parseLevels(levels []DepthLevel) []schema.BookLevel {
	out := make([]schema.BookLevel, 0, len(levels))
	for _, level := range levels {
		out = append(out, schema.BookLevel{
			Price: parseDecimal(level.Price),
			Size:  parseDecimal(level.Size),
		})
	}
	return out
}
