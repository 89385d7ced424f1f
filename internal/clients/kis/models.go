package kis

import (
	"encoding/json"
	"strconv"
	"strings"
)

// numeric handles broker JSON fields that arrive as quoted numbers,
// bare numbers, or empty strings.
type numeric float64

func (n *numeric) UnmarshalJSON(data []byte) error {
	var f float64
	if err := json.Unmarshal(data, &f); err == nil {
		*n = numeric(f)
		return nil
	}

	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	s = strings.TrimSpace(strings.ReplaceAll(s, ",", ""))
	if s == "" || s == "-" {
		*n = 0
		return nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		*n = 0
		return nil
	}
	*n = numeric(f)
	return nil
}

func (n numeric) float() float64 { return float64(n) }

// apiHeader is the envelope every KIS REST body carries. rt_cd "0" means
// the business call succeeded regardless of HTTP status.
type apiHeader struct {
	RtCd  string `json:"rt_cd"`
	MsgCd string `json:"msg_cd"`
	Msg1  string `json:"msg1"`
}

func (h apiHeader) returnCode() string  { return h.RtCd }
func (h apiHeader) messageCode() string { return h.MsgCd }
func (h apiHeader) message() string     { return strings.TrimSpace(h.Msg1) }
func (h apiHeader) ok() bool            { return h.RtCd == "0" }

// apiReply lets the transport inspect any decoded response envelope.
type apiReply interface {
	returnCode() string
	messageCode() string
	message() string
}

type tokenResponse struct {
	AccessToken      string `json:"access_token"`
	TokenType        string `json:"token_type"`
	ExpiresIn        int64  `json:"expires_in"`
	ErrorCode        string `json:"error_code"`
	ErrorDescription string `json:"error_description"`
}

type approvalResponse struct {
	apiHeader
	ApprovalKey string `json:"approval_key"`
}

type orderResponse struct {
	apiHeader
	Output struct {
		OrderNo   string `json:"ODNO"`
		OrderTime string `json:"ORD_TMD"`
		OrgNo     string `json:"KRX_FWDG_ORD_ORGNO"`
	} `json:"output"`
}

type domesticHoldingRow struct {
	Symbol     string  `json:"pdno"`
	Name       string  `json:"prdt_name"`
	Quantity   numeric `json:"hldg_qty"`
	AvgPrice   numeric `json:"pchs_avg_pric"`
	Price      numeric `json:"prpr"`
	EvalAmount numeric `json:"evlu_amt"`
	PnLRate    numeric `json:"evlu_pfls_rt"`
}

type domesticBalanceResponse struct {
	apiHeader
	Output1 []domesticHoldingRow `json:"output1"`
	Output2 []struct {
		DepositTotal   numeric `json:"dnca_tot_amt"`
		SettlementCash numeric `json:"prvs_rcdl_excc_amt"`
		TotalEval      numeric `json:"tot_evlu_amt"`
	} `json:"output2"`
}

type overseasHoldingRow struct {
	Symbol     string  `json:"ovrs_pdno"`
	Name       string  `json:"ovrs_item_name"`
	Quantity   numeric `json:"ovrs_cblc_qty"`
	AvgPrice   numeric `json:"pchs_avg_pric"`
	Price      numeric `json:"now_pric2"`
	EvalAmount numeric `json:"ovrs_stck_evlu_amt"`
	PnLRate    numeric `json:"evlu_pfls_rt"`
	Exchange   string  `json:"ovrs_excg_cd"`
}

type overseasBalanceResponse struct {
	apiHeader
	Output1 []overseasHoldingRow `json:"output1"`
}

type psamountResponse struct {
	apiHeader
	Output struct {
		OrderableCash numeric `json:"ord_psbl_frcr_amt"`
		ExchangeRate  numeric `json:"exrt"`
	} `json:"output"`
}

type domesticQuoteResponse struct {
	apiHeader
	Output struct {
		Price      numeric `json:"stck_prpr"`
		ChangeRate numeric `json:"prdy_ctrt"`
		Open       numeric `json:"stck_oprc"`
		High       numeric `json:"stck_hgpr"`
		Low        numeric `json:"stck_lwpr"`
		Volume     numeric `json:"acml_vol"`
		Amount     numeric `json:"acml_tr_pbmn"`
		PER        numeric `json:"per"`
		PBR        numeric `json:"pbr"`
		EPS        numeric `json:"eps"`
		BPS        numeric `json:"bps"`
		MarketCap  numeric `json:"hts_avls"` // unit: 100M KRW
		Week52High numeric `json:"w52_hgpr"`
		Week52Low  numeric `json:"w52_lwpr"`
		SectorName string  `json:"bstp_kor_isnm"`
	} `json:"output"`
}

type overseasDetailResponse struct {
	apiHeader
	Output struct {
		Price      numeric `json:"last"`
		PrevClose  numeric `json:"base"`
		Open       numeric `json:"open"`
		High       numeric `json:"high"`
		Low        numeric `json:"low"`
		Volume     numeric `json:"tvol"`
		Amount     numeric `json:"tamt"`
		ChangeRate numeric `json:"t_rate"`
		PER        numeric `json:"perx"`
		PBR        numeric `json:"pbrx"`
		EPS        numeric `json:"epsx"`
		BPS        numeric `json:"bpsx"`
		MarketCap  numeric `json:"tomv"`
		Week52High numeric `json:"h52p"`
		Week52Low  numeric `json:"l52p"`
	} `json:"output"`
}

type domesticBarsResponse struct {
	apiHeader
	Output2 []struct {
		Date   string  `json:"stck_bsop_date"` // YYYYMMDD
		Close  numeric `json:"stck_clpr"`
		Open   numeric `json:"stck_oprc"`
		High   numeric `json:"stck_hgpr"`
		Low    numeric `json:"stck_lwpr"`
		Volume numeric `json:"acml_vol"`
	} `json:"output2"`
}

type overseasBarsResponse struct {
	apiHeader
	Output2 []struct {
		Date   string  `json:"xymd"` // YYYYMMDD
		Close  numeric `json:"clos"`
		Open   numeric `json:"open"`
		High   numeric `json:"high"`
		Low    numeric `json:"low"`
		Volume numeric `json:"tvol"`
	} `json:"output2"`
}

type indexBarsKRResponse struct {
	apiHeader
	Output2 []struct {
		Date  string  `json:"stck_bsop_date"`
		Close numeric `json:"bstp_nmix_prpr"`
		Open  numeric `json:"bstp_nmix_oprc"`
		High  numeric `json:"bstp_nmix_hgpr"`
		Low   numeric `json:"bstp_nmix_lwpr"`
	} `json:"output2"`
}

type indexBarsUSResponse struct {
	apiHeader
	Output2 []struct {
		Date  string  `json:"stck_bsop_date"`
		Close numeric `json:"ovrs_nmix_prpr"`
		Open  numeric `json:"ovrs_nmix_oprc"`
		High  numeric `json:"ovrs_nmix_hgpr"`
		Low   numeric `json:"ovrs_nmix_lwpr"`
	} `json:"output2"`
}

type domesticRankingResponse struct {
	apiHeader
	Output []struct {
		Symbol    string  `json:"mksc_shrn_iscd"`
		Name      string  `json:"hts_kor_isnm"`
		Rank      numeric `json:"data_rank"`
		Price     numeric `json:"stck_prpr"`
		MarketCap numeric `json:"stck_avls"` // unit: 100M KRW
	} `json:"output"`
}

type overseasRankingResponse struct {
	apiHeader
	Output2 []struct {
		Symbol    string  `json:"symb"`
		Name      string  `json:"name"`
		Price     numeric `json:"last"`
		MarketCap numeric `json:"valx"`
	} `json:"output2"`
}
