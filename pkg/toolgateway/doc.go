// Package toolgateway registers tools, exposes them to the model as a
// capability and executes the calls the model makes.
//
// Tool-side failures (unknown tool, policy denial, invalid parameters,
// handler errors and timeouts) are returned as descriptive text so the
// reasoning loop can feed them back to the model. Only a failure to dispatch
// at all, such as a cancelled context, is returned as an error.
package toolgateway
