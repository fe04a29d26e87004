package models

// OrderStatus is the canonical booking state. Transitions are enforced by
// orderTransitions in order.go; everything else is rejected.
type OrderStatus string

const (
	OrderStatusRequested       OrderStatus = "REQUESTED"
	OrderStatusPaid            OrderStatus = "PAID"
	OrderStatusAssigned        OrderStatus = "ASSIGNED"
	OrderStatusInProgress      OrderStatus = "IN_PROGRESS"
	OrderStatusReportSubmitted OrderStatus = "REPORT_SUBMITTED"
	OrderStatusSent            OrderStatus = "SENT"
	OrderStatusCancelled       OrderStatus = "CANCELLED"
)

func (s OrderStatus) IsTerminal() bool {
	return s == OrderStatusSent || s == OrderStatusCancelled
}

type ReportStatus string

const (
	ReportStatusNone      ReportStatus = "NONE"
	ReportStatusSubmitted ReportStatus = "SUBMITTED"
	ReportStatusRejected  ReportStatus = "REJECTED"
	ReportStatusApproved  ReportStatus = "APPROVED"
)

type PaymentStatus string

const (
	PaymentStatusPending   PaymentStatus = "PENDING"
	PaymentStatusPaid      PaymentStatus = "PAID"
	PaymentStatusFailed    PaymentStatus = "FAILED"
	PaymentStatusCancelled PaymentStatus = "CANCELLED"
	PaymentStatusRefunded  PaymentStatus = "REFUNDED"
)

func (s PaymentStatus) Valid() bool {
	switch s {
	case PaymentStatusPending, PaymentStatusPaid, PaymentStatusFailed,
		PaymentStatusCancelled, PaymentStatusRefunded:
		return true
	}
	return false
}

type PaymentMethod string

const (
	PaymentMethodCard     PaymentMethod = "CARD"
	PaymentMethodTransfer PaymentMethod = "TRANSFER"
	PaymentMethodVbank    PaymentMethod = "VBANK"
)

func (m PaymentMethod) Valid() bool {
	switch m {
	case PaymentMethodCard, PaymentMethodTransfer, PaymentMethodVbank:
		return true
	}
	return false
}

type SettlementStatus string

const (
	SettlementStatusPending   SettlementStatus = "PENDING"
	SettlementStatusCompleted SettlementStatus = "COMPLETED"
)

type VehicleOrigin string

const (
	VehicleOriginDomestic VehicleOrigin = "DOMESTIC"
	VehicleOriginImported VehicleOrigin = "IMPORTED"
)

func (o VehicleOrigin) Valid() bool {
	return o == VehicleOriginDomestic || o == VehicleOriginImported
}

type VehicleClass string

const (
	VehicleClassCompact VehicleClass = "COMPACT"
	VehicleClassSedan   VehicleClass = "SEDAN"
	VehicleClassSUV     VehicleClass = "SUV"
	VehicleClassVan     VehicleClass = "VAN"
	VehicleClassTruck   VehicleClass = "TRUCK"
)

func (c VehicleClass) Valid() bool {
	switch c {
	case VehicleClassCompact, VehicleClassSedan, VehicleClassSUV,
		VehicleClassVan, VehicleClassTruck:
		return true
	}
	return false
}
