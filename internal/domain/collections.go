package domain

// Collection names shared by the local cache and the remote store.
const (
	CollectionSettings       = "settings"
	CollectionCategories     = "categories"
	CollectionMenuItems      = "menu_items"
	CollectionInventoryItems = "inventory_items"
	CollectionTables         = "restaurant_tables"
	CollectionOrders         = "orders"
	CollectionPendingOrders  = "pending_orders"
)

// Remote-only collections.
const (
	CollectionOrderItems     = "order_items"
	CollectionRecipes        = "menu_item_ingredients"
	CollectionStockMovements = "stock_movements"
	CollectionPromoCodes     = "promo_codes"
	CollectionDailySales     = "daily_sales"
	CollectionCustomers      = "customers"
)

// LocalCollections lists the collections the terminal caches.
var LocalCollections = []string{
	CollectionSettings,
	CollectionCategories,
	CollectionMenuItems,
	CollectionInventoryItems,
	CollectionTables,
	CollectionOrders,
}
