package kis

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/hantuquant/trader/internal/domain"
)

// Realtime frames are pipe-delimited: flag|tr_id|count|payload. The
// payload carries count records of caret-separated fields laid out at
// fixed indices per TR.
const (
	domesticTickFields = 14 // through acml_vol
	overseasTickFields = 21 // through tvol
)

func parseRealtimeFrame(frame, domesticTR, overseasTR string) ([]domain.RealtimeTick, error) {
	parts := strings.SplitN(frame, "|", 4)
	if len(parts) < 4 {
		return nil, fmt.Errorf("frame has %d segments, want 4", len(parts))
	}

	trID := parts[1]
	count, err := strconv.Atoi(parts[2])
	if err != nil || count <= 0 {
		return nil, fmt.Errorf("bad record count %q", parts[2])
	}

	fields := strings.Split(parts[3], "^")
	width := len(fields) / count
	if width == 0 {
		return nil, fmt.Errorf("empty payload for %s", trID)
	}

	var minFields int
	var parse func(record []string) (domain.RealtimeTick, error)
	switch trID {
	case domesticTR:
		minFields = domesticTickFields
		parse = parseDomesticTick
	case overseasTR:
		minFields = overseasTickFields
		parse = parseOverseasTick
	default:
		return nil, fmt.Errorf("unknown realtime tr_id %s", trID)
	}
	if width < minFields {
		return nil, fmt.Errorf("%s record has %d fields, want at least %d", trID, width, minFields)
	}

	ticks := make([]domain.RealtimeTick, 0, count)
	for i := 0; i < count; i++ {
		record := fields[i*width : (i+1)*width]
		tick, err := parse(record)
		if err != nil {
			return nil, err
		}
		ticks = append(ticks, tick)
	}
	return ticks, nil
}

// parseDomesticTick maps an H0STCNT0 record: symbol(0), price(2),
// change-rate(5), open(7), high(8), low(9), cumulative volume(13).
func parseDomesticTick(record []string) (domain.RealtimeTick, error) {
	price := tickFloat(record[2])
	if price <= 0 {
		return domain.RealtimeTick{}, fmt.Errorf("domestic tick without price for %s", record[0])
	}
	return domain.RealtimeTick{
		Symbol:     domain.NormalizeSymbol(record[0]),
		Price:      price,
		ChangeRate: tickFloat(record[5]),
		Open:       tickFloat(record[7]),
		High:       tickFloat(record[8]),
		Low:        tickFloat(record[9]),
		CumVolume:  tickFloat(record[13]),
		At:         time.Now(),
	}, nil
}

// parseOverseasTick maps an HDFSUSP0 record: symbol(1), open(8),
// high(9), low(10), last(11), change-rate(14), cumulative volume(20).
func parseOverseasTick(record []string) (domain.RealtimeTick, error) {
	price := tickFloat(record[11])
	if price <= 0 {
		return domain.RealtimeTick{}, fmt.Errorf("overseas tick without price for %s", record[1])
	}
	return domain.RealtimeTick{
		Symbol:     domain.NormalizeSymbol(record[1]),
		Price:      price,
		ChangeRate: tickFloat(record[14]),
		Open:       tickFloat(record[8]),
		High:       tickFloat(record[9]),
		Low:        tickFloat(record[10]),
		CumVolume:  tickFloat(record[20]),
		At:         time.Now(),
	}, nil
}

func tickFloat(s string) float64 {
	f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0
	}
	return f
}
