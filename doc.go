/*
Package rcon provides a client for the BattlEye RCON protocol used by Arma and DayZ game servers,
as described at https://www.battleye.com/downloads/BERConProtocol.txt.

The package is split into a sans-I/O protocol engine (Packet, ClientProtocol, ServerProtocol) that
only consumes and produces bytes, and a connector (Client, Session) that drives the engine against
a real UDP socket, handling authentication, keep-alives, command retries, and reconnection.
*/
package rcon
