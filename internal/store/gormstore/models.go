package gormstore

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// User represents the users table. Tokens is the denormalized balance cache,
// never the source of truth.
type User struct {
	UserID             string    `gorm:"type:uuid;primaryKey"`
	ExternalCustomerID string    `gorm:"not null;uniqueIndex:uniq_users_external_customer"`
	Tokens             int64     `gorm:"not null;default:0"`
	CreatedAt          time.Time `gorm:"not null"`
}

func (User) TableName() string { return "users" }

func (user *User) BeforeCreate(tx *gorm.DB) error {
	if user.UserID == "" {
		user.UserID = uuid.NewString()
	}
	return nil
}

// Product mirrors the products table (the purchasable pack catalog).
type Product struct {
	ProductID         string    `gorm:"type:uuid;primaryKey"`
	ExternalProductID string    `gorm:"not null;uniqueIndex:uniq_products_external_product"`
	Name              string    `gorm:"not null"`
	PriceCents        int64     `gorm:"not null"`
	TokenAmount       int64     `gorm:"not null"`
	CreatedAt         time.Time `gorm:"not null"`
	UpdatedAt         time.Time `gorm:"not null"`
}

func (Product) TableName() string { return "products" }

func (product *Product) BeforeCreate(tx *gorm.DB) error {
	if product.ProductID == "" {
		product.ProductID = uuid.NewString()
	}
	return nil
}

// PurchaseEvent mirrors the purchase_events table. Rows are append-only; the
// external order id carries the uniqueness constraint that makes crediting
// idempotent.
type PurchaseEvent struct {
	PurchaseID      string         `gorm:"type:uuid;primaryKey"`
	UserID          string         `gorm:"type:uuid;not null;index:idx_purchase_user_created,priority:1"`
	ProductID       string         `gorm:"type:uuid;not null"`
	ExternalOrderID string         `gorm:"not null;uniqueIndex:uniq_purchase_external_order"`
	Metadata        datatypes.JSON `gorm:"not null"`
	CreatedAt       time.Time      `gorm:"not null;index:idx_purchase_user_created,priority:2"`

	User    User    `gorm:"foreignKey:UserID;references:UserID;constraint:OnDelete:CASCADE"`
	Product Product `gorm:"foreignKey:ProductID;references:ProductID"`
}

func (PurchaseEvent) TableName() string { return "purchase_events" }

func (purchase *PurchaseEvent) BeforeCreate(tx *gorm.DB) error {
	if purchase.PurchaseID == "" {
		purchase.PurchaseID = uuid.NewString()
	}
	return nil
}

// SpendEvent mirrors the spend_events table. Append-only.
type SpendEvent struct {
	SpendID   string         `gorm:"type:uuid;primaryKey"`
	UserID    string         `gorm:"type:uuid;not null;index:idx_spend_user_created,priority:1"`
	Action    string         `gorm:"not null"`
	Amount    int64          `gorm:"not null"`
	Metadata  datatypes.JSON `gorm:"not null"`
	CreatedAt time.Time      `gorm:"not null;index:idx_spend_user_created,priority:2"`

	User User `gorm:"foreignKey:UserID;references:UserID;constraint:OnDelete:CASCADE"`
}

func (SpendEvent) TableName() string { return "spend_events" }

func (spend *SpendEvent) BeforeCreate(tx *gorm.DB) error {
	if spend.SpendID == "" {
		spend.SpendID = uuid.NewString()
	}
	return nil
}
