/*
Package servicebus runs a realized topology. It feeds transport deliveries to
per-message consumer instances under the endpoint retry policy and publishes
typed messages as JSON envelopes. Concrete brokers stay behind
contract/bus.Transport.
*/
package servicebus
