package server

import "github.com/labstack/echo/v4"

func RegisterRoutes(e *echo.Echo, h Handlers) {
	h.Products.RegisterRoutes(e)
	h.Cart.RegisterRoutes(e)
	h.Orders.RegisterRoutes(e)
	h.AdminOrders.RegisterRoutes(e)
	h.AdminProducts.RegisterRoutes(e)
}
