package hmrc

import (
	"encoding/json"

	"github.com/shopspring/decimal"
)

// Typed views over the MTD API's documented response shapes. Fields we don't
// consume stay in Raw so nothing upstream sends is lost when relogged.

type Business struct {
	BusinessId       string `json:"businessId"`
	TypeOfBusiness   string `json:"typeOfBusiness"`
	TradingName      string `json:"tradingName,omitempty"`
	AccountingType   string `json:"accountingType,omitempty"`
	CommencementDate string `json:"commencementDate,omitempty"`
}

type listBusinessesResponse struct {
	ListOfBusinesses []Business `json:"listOfBusinesses"`
}

// Obligation is one flattened per-business quarterly obligation.
type Obligation struct {
	BusinessId     string  `json:"businessId"`
	TypeOfBusiness string  `json:"typeOfBusiness"`
	PeriodStart    string  `json:"periodStartDate"`
	PeriodEnd      string  `json:"periodEndDate"`
	DueDate        string  `json:"dueDate"`
	Status         string  `json:"status"`
	ReceivedDate   *string `json:"receivedDate,omitempty"`
	PeriodKey      string  `json:"periodKey,omitempty"`
}

type obligationDetail struct {
	Status                            string  `json:"status"`
	InboundCorrespondenceFromDate     string  `json:"inboundCorrespondenceFromDate"`
	InboundCorrespondenceToDate       string  `json:"inboundCorrespondenceToDate"`
	InboundCorrespondenceDueDate      string  `json:"inboundCorrespondenceDueDate"`
	InboundCorrespondenceDateReceived *string `json:"inboundCorrespondenceDateReceived,omitempty"`
	PeriodKey                         string  `json:"periodKey,omitempty"`
}

type obligationGroup struct {
	TypeOfBusiness    string             `json:"typeOfBusiness"`
	BusinessId        string             `json:"businessId"`
	ObligationDetails []obligationDetail `json:"obligationDetails"`
}

type obligationsResponse struct {
	Obligations []obligationGroup `json:"obligations"`
}

// ObligationFilter narrows the obligation query; zero value means "everything open or fulfilled".
type ObligationFilter struct {
	FromDate string
	ToDate   string
	Status   string // "Open" | "Fulfilled" | ""
}

// PeriodIncome and PeriodExpenses carry the cumulative figures for one quarter.
// Amounts are decimals end to end; floats never touch money.
type PeriodIncome struct {
	Turnover decimal.Decimal `json:"turnover"`
	Other    decimal.Decimal `json:"other,omitempty"`
}

type PeriodExpenses struct {
	CostOfGoods  decimal.Decimal `json:"costOfGoods,omitempty"`
	Premises     decimal.Decimal `json:"premisesRunningCosts,omitempty"`
	Staff        decimal.Decimal `json:"staffCosts,omitempty"`
	Travel       decimal.Decimal `json:"travelCosts,omitempty"`
	Professional decimal.Decimal `json:"professionalFees,omitempty"`
	Other        decimal.Decimal `json:"other,omitempty"`
}

// PeriodData is the caller-supplied payload for one cumulative quarterly update.
type PeriodData struct {
	PeriodFrom string          `json:"periodFrom" validate:"required,datetime=2006-01-02"`
	PeriodTo   string          `json:"periodTo" validate:"required,datetime=2006-01-02"`
	Incomes    PeriodIncome    `json:"incomes" validate:"required"`
	Expenses   *PeriodExpenses `json:"expenses,omitempty"`
}

// periodSubmissionBody is the wire shape HMRC expects on the cumulative PUT.
type periodSubmissionBody struct {
	PeriodDates struct {
		PeriodStartDate string `json:"periodStartDate"`
		PeriodEndDate   string `json:"periodEndDate"`
	} `json:"periodDates"`
	PeriodIncome   PeriodIncome    `json:"periodIncome"`
	PeriodExpenses *PeriodExpenses `json:"periodExpenses,omitempty"`
}

// SubmissionReceipt is what callers get back from SubmitPeriod. The correlation
// id is HMRC's handle on the submission; support investigations start from it.
type SubmissionReceipt struct {
	CorrelationId string `json:"correlationId"`
}

// Calculation is a read-only view of a self-assessment calculation. Only the
// headline figures are typed; the full body rides along in Raw.
type Calculation struct {
	CalculationId   string          `json:"calculationId"`
	CalculationType string          `json:"calculationType,omitempty"`
	TaxYear         string          `json:"taxYear,omitempty"`
	TotalIncome     decimal.Decimal `json:"totalIncome,omitempty"`
	IncomeTaxDue    decimal.Decimal `json:"incomeTaxDue,omitempty"`
	Raw             json.RawMessage `json:"raw,omitempty"`
}

type calculationResponse struct {
	Metadata struct {
		CalculationId   string `json:"calculationId"`
		CalculationType string `json:"calculationType"`
		TaxYear         string `json:"taxYear"`
	} `json:"metadata"`
	Calculation struct {
		TaxCalculation struct {
			TotalIncome  decimal.Decimal `json:"totalIncomeReceivedFromAllSources"`
			IncomeTaxDue decimal.Decimal `json:"totalIncomeTaxAndNicsDue"`
		} `json:"taxCalculation"`
	} `json:"calculation"`
}

// hmrcErrorBody is HMRC's documented error envelope. Multi-error responses
// carry the individual failures under errors.
type hmrcErrorBody struct {
	Code    string          `json:"code"`
	Message string          `json:"message"`
	Errors  []hmrcErrorItem `json:"errors,omitempty"`
}

type hmrcErrorItem struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Path    string `json:"path,omitempty"`
}
